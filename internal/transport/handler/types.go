package handler

// JobAccepted is the body of every 202 response.
type JobAccepted struct {
	JobID string `json:"job_id"`
}

type VisibilityParams struct {
	Visible bool `json:"visible"`
}

type TileParams struct {
	Z int `validate:"gte=0,lte=30"`
	X int `validate:"gte=0"`
	Y int `validate:"gte=0"`
}
