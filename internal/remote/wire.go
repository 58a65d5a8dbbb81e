package remote

// Request/response frames exchanged over the sync websocket. Every
// request carries a client-assigned id echoed back in the response.

type wireRequest struct {
	ID     int64  `json:"id"`
	Action string `json:"action"` // push, pull
	UserID string `json:"user_id"`

	// push
	Items []PushItem `json:"items,omitempty"`

	// pull
	Table string `json:"table,omitempty"`
	Since int64  `json:"since,omitempty"`
}

type wireResponse struct {
	ID    int64  `json:"id"`
	Error string `json:"error,omitempty"`

	Results []PushResult `json:"results,omitempty"`
	Rows    []Row        `json:"rows,omitempty"`
}
