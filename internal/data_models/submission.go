package dto

import model "taskblitz.com/taskblitz/internal/models"

type SubmitWorkRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=text url file"`
	Content string `json:"content" validate:"required,max=10000"`
}

type DecisionResponse struct {
	Submission *model.Submission `json:"submission"`
	Task       *model.Task       `json:"task"`
	Replayed   bool              `json:"replayed"`
}
