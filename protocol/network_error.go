package protocol

// ErrorCategory names an independent class of network error condition.
// At most one message is tracked per category.
type ErrorCategory string

// Observed error categories.
const (
	ErrorUpload      ErrorCategory = "Upload"
	ErrorDelete      ErrorCategory = "Delete"
	ErrorGet         ErrorCategory = "Get"
	ErrorFullRefresh ErrorCategory = "FullRefresh"
	ErrorPubSub      ErrorCategory = "PubSub"
)

// ErrorCategories lists all categories, in stable presentation order.
var ErrorCategories = []ErrorCategory{
	ErrorUpload,
	ErrorDelete,
	ErrorGet,
	ErrorFullRefresh,
	ErrorPubSub,
}
