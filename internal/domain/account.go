package domain

import "fmt"

// AccountType distinguishes the two merchant shortcode flavours.
type AccountType string

const (
	AccountTypePaybill AccountType = "paybill"
	AccountTypeTill    AccountType = "till"
)

// Account is a merchant M-Pesa account as returned by the HostPay API.
// Configuration data, read-only to the gateway.
type Account struct {
	ID               string      `json:"id"`
	BusinessName     string      `json:"company_business_name"`
	AccountType      AccountType `json:"account_type"`
	PaybillShortcode string      `json:"paybill_shortcode"`
	TillShortcode    string      `json:"till_shortcode"`
}

// Type resolves the account type. The explicit field wins; older API versions
// omit it, in which case the populated shortcode decides, defaulting to paybill.
func (a *Account) Type() AccountType {
	switch a.AccountType {
	case AccountTypePaybill, AccountTypeTill:
		return a.AccountType
	}
	if a.TillShortcode != "" {
		return AccountTypeTill
	}
	return AccountTypePaybill
}

// Shortcode returns the merchant shortcode active for the account's type.
// Exactly one of the two shortcode fields is semantically active; absence is
// a configuration error, not a runtime one.
func (a *Account) Shortcode() (string, bool) {
	var code string
	switch a.Type() {
	case AccountTypePaybill:
		code = a.PaybillShortcode
	case AccountTypeTill:
		code = a.TillShortcode
	}
	return code, code != ""
}

// DisplayName renders a human-readable account label for admin listings.
func (a *Account) DisplayName() string {
	code, _ := a.Shortcode()
	switch {
	case a.BusinessName != "" && code != "":
		return fmt.Sprintf("%s (%s - %s)", a.BusinessName, code, a.Type())
	case code != "":
		return fmt.Sprintf("%s (%s)", code, a.Type())
	case a.BusinessName != "":
		return a.BusinessName
	}
	return "Unknown Account"
}
