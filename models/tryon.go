package models

const (
	TryOnStatusPending   = "pending"
	TryOnStatusCompleted = "completed"
	TryOnStatusFailed    = "failed"
)

// TryOnResult is one try-on attempt. Rows are written with status "completed" by the
// synchronous endpoint, and go pending -> completed|failed when queued.
type TryOnResult struct {
	JsonModel
	UserID        string   `gorm:"index" json:"user_id"`
	ProductID     string   `gorm:"index" json:"product_id"`
	UserImageURL  string   `json:"user_image_url"`
	ClothImageURL string   `json:"cloth_image_url"`
	ResultURL     *string  `json:"result_url"`
	UsedBackend   *string  `json:"used_backend"`
	Instruction   *string  `gorm:"type:text" json:"instruction"`
	Status        string   `gorm:"index;default:pending" json:"status"` // pending, completed, failed
	ErrorMessage  *string  `gorm:"type:text" json:"error_message"`
	Duration      *float64 `json:"duration"` // in seconds

	LLMModel              *string `json:"llm_model"`
	LLMInputTokenCount    *int32  `json:"llm_input_token_usage"`
	LLMOutputTokenCount   *int32  `json:"llm_output_token_usage"`
	LLMThoughtsTokenCount *int32  `json:"llm_thoughts_token_count"`
	LLMTotalTokenCount    *int32  `json:"llm_total_token_usage"`
	RetryTimes            int     `json:"retry_times"`
}

func (TryOnResult) TableName() string {
	return "tryon_results"
}
