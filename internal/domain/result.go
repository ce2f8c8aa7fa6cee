package domain

const (
	MsgItemAdded       = "Item added to cart successfully!"
	MsgItemRemoved     = "Item removed from cart successfully!"
	MsgQuantityUpdated = "Quantity updated successfully!"
	MsgNoChanges       = "No changes made"
	MsgCartCleared     = "Cart cleared successfully!"
	MsgAlreadyEmpty    = "Cart is already empty"
	MsgCartSettled     = "Cart settled after checkout"
)

// Result is returned by every successful cart operation.
// NoOp is set when the operation left the cart unchanged.
type Result struct {
	Message  string       `json:"message"`
	NoOp     bool         `json:"no_op"`
	Snapshot CartSnapshot `json:"cart"`
}
