package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/order"
)

// shippingAddressSchema validates the shipping address map accepted with an
// order. Unknown keys are allowed so retailer-specific fields pass through.
const shippingAddressSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["street", "city", "zip_code"],
	"properties": {
		"street":    {"type": "string", "minLength": 1},
		"city":      {"type": "string", "minLength": 1},
		"state":     {"type": "string"},
		"zip_code":  {"type": "string", "minLength": 1},
		"country":   {"type": "string"},
		"apartment": {"type": "string"}
	}
}`

type (
	// Retailer is one configured target site.
	Retailer struct {
		// Name is the directory key, lower-case.
		Name string
		// BaseURL is the site's storefront root.
		BaseURL string
		// Enabled gates order acceptance for this retailer.
		Enabled bool
	}

	// Directory maps retailer names to their configuration. Lookups are
	// case-insensitive.
	Directory map[string]Retailer

	// Vault resolves retailer login credentials at dispatch time. It fronts
	// an external secret store; a lookup failure is a hard order failure.
	Vault interface {
		Credentials(ctx context.Context, retailer string) (agent.Credentials, error)
	}

	// ValidationError reports why an order spec was rejected.
	ValidationError struct {
		Field  string
		Reason string
	}

	// validator checks order specs before they enter the queue.
	validator struct {
		retailers Directory
		address   *jsonschema.Schema
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// Lookup returns the retailer configuration for name.
func (d Directory) Lookup(name string) (Retailer, bool) {
	r, ok := d[strings.ToLower(name)]
	return r, ok
}

func newValidator(retailers Directory) (*validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(shippingAddressSchema))
	if err != nil {
		return nil, fmt.Errorf("parse shipping address schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("shipping_address.json", doc); err != nil {
		return nil, fmt.Errorf("register shipping address schema: %w", err)
	}
	schema, err := c.Compile("shipping_address.json")
	if err != nil {
		return nil, fmt.Errorf("compile shipping address schema: %w", err)
	}
	return &validator{retailers: retailers, address: schema}, nil
}

// validate checks the spec against the retailer directory, the known
// automation methods and the shipping address schema.
func (v *validator) validate(spec order.Spec, supports func(order.Method) bool) error {
	retailer, ok := v.retailers.Lookup(spec.Retailer)
	if !ok {
		return &ValidationError{Field: "retailer", Reason: fmt.Sprintf("%q is not configured", spec.Retailer)}
	}
	if !retailer.Enabled {
		return &ValidationError{Field: "retailer", Reason: fmt.Sprintf("%q is disabled", spec.Retailer)}
	}
	if !spec.Method.Valid() {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not a known automation method", spec.Method)}
	}
	if supports != nil && !supports(spec.Method) {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("no agent registered for %q", spec.Method)}
	}
	if spec.Priority != 0 && !spec.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d is out of range", spec.Priority)}
	}
	if spec.ProductName == "" {
		return &ValidationError{Field: "product_name", Reason: "is required"}
	}
	if spec.CustomerName == "" {
		return &ValidationError{Field: "customer_name", Reason: "is required"}
	}
	if spec.ShippingAddress == nil {
		return &ValidationError{Field: "shipping_address", Reason: "is required"}
	}
	if err := v.address.Validate(spec.ShippingAddress); err != nil {
		return &ValidationError{Field: "shipping_address", Reason: err.Error()}
	}
	return nil
}
