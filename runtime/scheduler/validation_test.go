package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drishti-ai/navigator/runtime/order"
)

func TestDirectoryLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	d := Directory{"amazon": {Name: "amazon", Enabled: true}}
	for _, name := range []string{"amazon", "Amazon", "AMAZON"} {
		r, ok := d.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "amazon", r.Name)
	}
	_, ok := d.Lookup("walmart")
	assert.False(t, ok)
}

func TestValidateAllowsExtraAddressFields(t *testing.T) {
	t.Parallel()
	v, err := newValidator(Directory{"amazon": {Name: "amazon", Enabled: true}})
	require.NoError(t, err)

	spec := order.Spec{
		Retailer:     "amazon",
		Method:       order.MethodNovaAct,
		ProductName:  "running shoes",
		CustomerName: "Jamie Doe",
		ShippingAddress: map[string]any{
			"street":           "1 Main St",
			"city":             "Seattle",
			"state":            "WA",
			"zip_code":         "98101",
			"country":          "US",
			"delivery_notes":   "leave at door",
			"loading_dock_bay": "7",
		},
	}
	require.NoError(t, v.validate(spec, nil))
}

func TestValidateRejectsDisabledRetailer(t *testing.T) {
	t.Parallel()
	v, err := newValidator(Directory{"amazon": {Name: "amazon", Enabled: false}})
	require.NoError(t, err)

	spec := order.Spec{Retailer: "amazon", Method: order.MethodNovaAct}
	verr := &ValidationError{}
	require.ErrorAs(t, v.validate(spec, nil), &verr)
	assert.Equal(t, "retailer", verr.Field)
}

func TestValidateRejectsUnsupportedMethod(t *testing.T) {
	t.Parallel()
	v, err := newValidator(Directory{"amazon": {Name: "amazon", Enabled: true}})
	require.NoError(t, err)

	spec := order.Spec{Retailer: "amazon", Method: order.MethodStrands, ProductName: "x"}
	supports := func(m order.Method) bool { return m == order.MethodNovaAct }
	verr := &ValidationError{}
	require.ErrorAs(t, v.validate(spec, supports), &verr)
	assert.Equal(t, "method", verr.Field)
}
