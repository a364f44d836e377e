package quotation

import "time"

type createLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Qty       int    `json:"qty" validate:"required,gt=0"`
	UnitPrice string `json:"unit_price" validate:"required"`
}

type createRequest struct {
	CustomerName    string              `json:"customer_name" validate:"required,max=200"`
	CustomerContact string              `json:"customer_contact" validate:"max=200"`
	Discount        string              `json:"discount,omitempty"`
	Shipping        string              `json:"shipping,omitempty"`
	Lines           []createLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type commitAdvanceRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type paymentRequest struct {
	Amount    string `json:"amount" validate:"required"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
	Method    string `json:"method" validate:"required,max=50"`
	Reference string `json:"reference" validate:"max=100"`
	Rate      string `json:"rate,omitempty"`
}

type rejectRequest struct {
	Reason        string `json:"reason" validate:"required"`
	Detail        string `json:"detail" validate:"max=500"`
	ExpectedPrice string `json:"expected_price,omitempty"`
	Competitor    string `json:"competitor" validate:"max=200"`
}

type lineResponse struct {
	ProductID        int64  `json:"product_id"`
	Qty              int    `json:"qty"`
	UnitPrice        string `json:"unit_price"`
	AvailableAtQuote int    `json:"available_at_quote"`
}

type advanceResponse struct {
	Amount      string    `json:"amount"`
	Percent     string    `json:"percent"`
	Deadline    time.Time `json:"deadline"`
	CommittedAt time.Time `json:"committed_at"`
}

type paymentResponse struct {
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Rate      *string   `json:"rate,omitempty"`
	Method    string    `json:"method"`
	Reference string    `json:"reference,omitempty"`
	PaidAt    time.Time `json:"paid_at"`
}

type rejectionResponse struct {
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	ExpectedPrice *string   `json:"expected_price,omitempty"`
	Competitor    string    `json:"competitor,omitempty"`
	RejectedAt    time.Time `json:"rejected_at"`
}

type quotationResponse struct {
	ID              int64              `json:"id"`
	Number          string             `json:"number"`
	CustomerName    string             `json:"customer_name"`
	CustomerContact string             `json:"customer_contact,omitempty"`
	Lines           []lineResponse     `json:"lines"`
	Subtotal        string             `json:"subtotal"`
	Discount        string             `json:"discount"`
	Shipping        string             `json:"shipping"`
	Total           string             `json:"total"`
	State           string             `json:"state"`
	ValidUntil      *time.Time         `json:"valid_until,omitempty"`
	Advance         *advanceResponse   `json:"advance,omitempty"`
	Payment         *paymentResponse   `json:"payment,omitempty"`
	ReservationKind string             `json:"reservation_kind,omitempty"`
	Rejection       *rejectionResponse `json:"rejection,omitempty"`
	SaleID          *int64             `json:"sale_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

func toResponse(q Quotation) quotationResponse {
	resp := quotationResponse{
		ID:              q.ID,
		Number:          q.Number,
		CustomerName:    q.CustomerName,
		CustomerContact: q.CustomerContact,
		Subtotal:        q.Subtotal.String(),
		Discount:        q.Discount.String(),
		Shipping:        q.Shipping.String(),
		Total:           q.Total.String(),
		State:           string(q.State),
		ValidUntil:      q.ValidUntil,
		ReservationKind: string(q.ReservationKind),
		SaleID:          q.SaleID,
		CreatedAt:       q.CreatedAt,
	}
	for _, line := range q.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ProductID:        line.ProductID,
			Qty:              line.Qty,
			UnitPrice:        line.UnitPrice.String(),
			AvailableAtQuote: line.AvailableAtQuote,
		})
	}
	if q.Advance != nil {
		resp.Advance = &advanceResponse{
			Amount:      q.Advance.Amount.String(),
			Percent:     q.Advance.Percent.String(),
			Deadline:    q.Advance.Deadline,
			CommittedAt: q.Advance.CommittedAt,
		}
	}
	if q.Payment != nil {
		pay := paymentResponse{
			Amount:    q.Payment.Amount.String(),
			Currency:  q.Payment.Currency,
			Method:    q.Payment.Method,
			Reference: q.Payment.Reference,
			PaidAt:    q.Payment.PaidAt,
		}
		if q.Payment.Rate != nil {
			s := q.Payment.Rate.String()
			pay.Rate = &s
		}
		resp.Payment = &pay
	}
	if q.Rejection != nil {
		rej := rejectionResponse{
			Reason:     string(q.Rejection.Reason),
			Detail:     q.Rejection.Detail,
			Competitor: q.Rejection.Competitor,
			RejectedAt: q.Rejection.RejectedAt,
		}
		if q.Rejection.ExpectedPrice != nil {
			s := q.Rejection.ExpectedPrice.String()
			rej.ExpectedPrice = &s
		}
		resp.Rejection = &rej
	}
	return resp
}
