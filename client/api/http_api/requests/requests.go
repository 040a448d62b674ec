package requests

type TaskIdForm struct {
	TaskID string `query:"taskID" json:"taskID" validate:"attr=task_id,min=1"`
}

type ResetStateForm struct {
	NewStateDBDSN string `json:"new_state_dbdsn,omitempty"`
}
