package models

// WebhookDelivery records one inbound provider webhook. A redelivery of an
// accepted (provider, delivery_id) is answered without acting again.
type WebhookDelivery struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Provider     string `gorm:"index:idx_webhook_provider_delivery,priority:1" json:"provider"`
	DeliveryID   string `gorm:"index:idx_webhook_provider_delivery,priority:2" json:"delivery_id,omitempty"`
	Type         string `json:"type"`
	ConnectionID string `gorm:"index" json:"connection_id,omitempty"`
	SyncJobID    string `json:"sync_job_id,omitempty"`
	Status       int    `json:"status"`
	Error        string `json:"error,omitempty"`
	Body         string `gorm:"type:text" json:"body,omitempty"`
	ReceivedAt   int64  `gorm:"index" json:"received_at"`
}
