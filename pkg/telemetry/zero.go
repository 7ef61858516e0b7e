package telemetry

import "fmt"

// Zero builds the canonical reading substituted for an offline meter:
// every category present with all values at zero and the over-current
// alarm cleared. An empty customer is labelled UnknownCustomer.
func Zero(rtuID, customer string) *Reading {
	if customer == "" {
		customer = UnknownCustomer
	}
	return &Reading{
		Customer: fmt.Sprintf("%s,%s,0,0", customer, rtuID),
		Main:     &Load{},
		AirCon:   &Load{},
		Lighting: &Load{},
		Plug:     &Load{},
		Other:    &Load{},
		Alarm: &Alarm{
			Type:   "OverCurrent",
			Status: false,
		},
	}
}
