package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "cus_****", MaskSecret("cus_abc"))
	assert.Equal(t, "sub_****wxyz", MaskSecret("sub_1234wxyz"))
	assert.Equal(t, "****6789", MaskSecret("123456789"))
}

func TestMaskKeys(t *testing.T) {
	in := map[string]any{
		"plan": "pro",
		"before": map[string]any{
			"customer_ref": "cus_123456789",
			"plan":         "free",
		},
		"subscription_ref": "sub_987654321",
	}

	out := MaskKeys(in, "customer_ref", "subscription_ref")

	assert.Equal(t, "pro", out["plan"])
	assert.Equal(t, "sub_****4321", out["subscription_ref"])
	before := out["before"].(map[string]any)
	assert.Equal(t, "cus_****6789", before["customer_ref"])
	assert.Equal(t, "free", before["plan"])
	assert.Equal(t, "sub_987654321", in["subscription_ref"], "input is not mutated")
}
