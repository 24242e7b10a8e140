package models

type TryOnRequestIn struct {
	UserID        string `json:"user_id" form:"user_id" validate:"required"`
	ProductID     string `json:"product_id" form:"product_id" validate:"required"`
	UserImageURL  string `json:"user_image_url" form:"user_image_url" validate:"omitempty,url"`
	ClothImageURL string `json:"cloth_image_url" form:"cloth_image_url" validate:"omitempty,url"`
	Instruction   string `json:"instruction" form:"instruction"`
}

type TryOnResponseOut struct {
	Status      string `json:"status"`
	ResultURL   string `json:"result_url"`
	UsedBackend string `json:"used_backend"`
	TryOnID     uint   `json:"try_on_id,omitempty"`
}

type TryOnAsyncResponseOut struct {
	Status  string `json:"status"`
	TryOnID uint   `json:"try_on_id"`
	TaskID  string `json:"task_id"`
}

type UploadResponseOut struct {
	Status    string `json:"status"`
	PublicURL string `json:"public_url"`
}

// StatusMessage is the body of health checks and error responses.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
