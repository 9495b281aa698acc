package billing

import (
	"bytes"
	"encoding/json"
)

// expandableID decodes a provider reference that arrives either as a bare id
// or as an expanded object carrying an id.
type expandableID string

func (reference *expandableID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*reference = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*reference = expandableID(value)
		return nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return err
	}
	*reference = expandableID(object.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          expandableID      `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      expandableID      `json:"subscription"`
	Invoice           expandableID      `json:"invoice"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

type periodPayload struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoicePayload struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	BillingReason string       `json:"billing_reason"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period periodPayload `json:"period"`
			Price  *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price expandableID `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// subscriptionID reads the subscription from either invoice layout the
// provider has shipped.
func (invoice invoicePayload) subscriptionID() string {
	if invoice.Subscription != "" {
		return string(invoice.Subscription)
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return string(invoice.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (invoice invoicePayload) metadata() map[string]string {
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil && len(invoice.Parent.SubscriptionDetails.Metadata) > 0 {
		return invoice.Parent.SubscriptionDetails.Metadata
	}
	if invoice.SubscriptionDetails != nil {
		return invoice.SubscriptionDetails.Metadata
	}
	return nil
}

func (invoice invoicePayload) priceAndPeriod() (string, periodPayload) {
	for _, line := range invoice.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID, line.Period
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return string(line.Pricing.PriceDetails.Price), line.Period
		}
	}
	return "", periodPayload{}
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           expandableID      `json:"customer"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// period falls back to the first item's period for API versions that moved
// it off the subscription object.
func (subscription subscriptionPayload) period() (int64, int64) {
	if subscription.CurrentPeriodEnd != 0 {
		return subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd
	}
	if len(subscription.Items.Data) > 0 {
		return subscription.Items.Data[0].CurrentPeriodStart, subscription.Items.Data[0].CurrentPeriodEnd
	}
	return 0, 0
}

func (subscription subscriptionPayload) priceID() string {
	if len(subscription.Items.Data) > 0 {
		return subscription.Items.Data[0].Price.ID
	}
	return ""
}
