package validation

// CustomerDetails is the delivery address form.
type CustomerDetails struct {
	Name           string `json:"name" validate:"required,min=2,max=50,personname"`
	Phone          string `json:"phone" validate:"required,mobile"`
	Email          string `json:"email,omitempty" validate:"omitempty,email"`
	Address        string `json:"address" validate:"required,min=10,max=200"`
	City           string `json:"city" validate:"required,min=2,max=50,placename"`
	State          string `json:"state" validate:"required,min=2,max=50,placename"`
	Pincode        string `json:"pincode" validate:"required,pincode"`
	Landmark       string `json:"landmark,omitempty" validate:"max=100"`
	AlternatePhone string `json:"alternatePhone,omitempty" validate:"omitempty,mobile"`
}

// Item is a single cart line handed over from the cart page.
type Item struct {
	ProductID string  `json:"productId" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Quantity  int     `json:"quantity" validate:"required,min=1"`
	Price     float64 `json:"price" validate:"required,gt=0"`
	Image     string  `json:"image,omitempty"`
}

// Summary mirrors the cart totals.
type Summary struct {
	Subtotal float64 `json:"subtotal" validate:"gte=0"`
	Shipping float64 `json:"shipping" validate:"gte=0"`
	Tax      float64 `json:"tax" validate:"gte=0"`
	Total    float64 `json:"total" validate:"gt=0"`
}

// StartCheckoutRequest is the payload for POST /checkouts
type StartCheckoutRequest struct {
	Items   []Item  `json:"items" validate:"required,min=1,dive"`
	Summary Summary `json:"orderSummary"`
	Email   string  `json:"email,omitempty" validate:"omitempty,email"`
}

// SelectMethodRequest is the payload for PUT /checkouts/:id/payment-method
type SelectMethodRequest struct {
	Method string `json:"method" validate:"required"`
}

// EditRequest is the payload for POST /checkouts/:id/edit
type EditRequest struct {
	Step string `json:"step" validate:"required,oneof=address payment"`
}
