package models

import "github.com/google/uuid"

type Worker struct {
	ID   string
	Kind string // render provider binding this worker drives: bria | fal
}

func NewWorker(kind string) Worker {
	return Worker{
		ID:   uuid.New().String(),
		Kind: kind,
	}
}
