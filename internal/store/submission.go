package store

import (
	"encoding/json"
	"fmt"

	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// EncodeSubmission serializes a typed submission payload for the tasks table.
func EncodeSubmission(sub *models.Submission) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("%w: submission required", models.ErrValidation)
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return string(b), nil
}

func decodeSubmission(raw string) (*models.Submission, error) {
	var sub models.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
