package reconcile

import "hostbridge/internal/hostpay"

// The remote API has renamed its receipt and request-id fields across
// versions. Extraction is an ordered list of probes tried in fixed
// precedence; the first present field wins. Tolerating every historical
// shape is a compatibility requirement, not defensive guessing.

type probeScope int

const (
	scopeData probeScope = iota // nested data object only
	scopeRoot                   // response root only
	scopeBoth                   // data first, then root
)

type fieldProbe struct {
	scope probeScope
	key   string
}

var receiptProbes = []fieldProbe{
	{scopeData, "TransID"},            // gateway verify, nested
	{scopeBoth, "mpesa_receipt_number"}, // STK query, current API
	{scopeBoth, "MpesaReceiptNumber"},   // STK query, old API
	{scopeRoot, "TransID"},
	{scopeBoth, "trans_id"},
}

var checkoutRequestIDProbes = []fieldProbe{
	{scopeBoth, "checkout_request_id"},
	{scopeBoth, "CheckoutRequestID"},
}

func extractField(payload hostpay.Payload, probes []fieldProbe) string {
	data := payload.Data()
	for _, p := range probes {
		switch p.scope {
		case scopeData:
			if v, ok := data.String(p.key); ok && v != "" {
				return v
			}
		case scopeRoot:
			if v, ok := payload.String(p.key); ok && v != "" {
				return v
			}
		case scopeBoth:
			if v, ok := data.String(p.key); ok && v != "" {
				return v
			}
			if v, ok := payload.String(p.key); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

// extractReceipt pulls the remote ledger's transaction identifier out of a
// completion payload.
func extractReceipt(payload hostpay.Payload) string {
	if payload == nil {
		return ""
	}
	return extractField(payload, receiptProbes)
}

// extractCheckoutRequestID pulls the push request token out of an initiate
// response.
func extractCheckoutRequestID(payload hostpay.Payload) string {
	if payload == nil {
		return ""
	}
	return extractField(payload, checkoutRequestIDProbes)
}

// extractPaidAmount pulls the confirmed amount out of a verify response:
// data.TransAmount on the current API, root-level amount on older ones.
func extractPaidAmount(payload hostpay.Payload) (float64, bool) {
	if v, ok := payload.Data().Float("TransAmount"); ok {
		return v, true
	}
	if v, ok := payload.Float("amount"); ok {
		return v, true
	}
	return 0, false
}

// extractResultDesc pulls the remote failure description for order notes.
func extractResultDesc(payload hostpay.Payload) string {
	if v, ok := payload.Data().String("result_desc"); ok && v != "" {
		return v
	}
	if v, ok := payload.String("ResultDesc"); ok && v != "" {
		return v
	}
	return ""
}
