package model

// Notification is the message fanned out to every recipient of one dispatch run.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound"`
	Data  map[string]string `json:"data,omitempty"`
}

// DeliveryStatus classifies the outcome of one send.
type DeliveryStatus string

const (
	DeliveryDelivered        DeliveryStatus = "delivered"
	DeliveryPermanentFailure DeliveryStatus = "permanent_failure"
	DeliveryTransientFailure DeliveryStatus = "transient_failure"
)

// DeliveryResult summarises a push attempt for a single recipient.
type DeliveryResult struct {
	Token  string         `json:"token"`
	Status DeliveryStatus `json:"status"`
	Detail string         `json:"detail,omitempty"`
}

// DispatchReport is returned to the trigger once every send has settled.
type DispatchReport struct {
	RunID     string           `json:"runId"`
	Address   string           `json:"address"`
	Total     int              `json:"total"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
	Pruned    int              `json:"pruned"`
	Results   []DeliveryResult `json:"results,omitempty"`
}
