package discrepancy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		raw     string
		want    Action
		wantErr bool
	}{
		{"create", ActionCreate, false},
		{"INACTIVATE_IDENTITY", ActionInactivateIdentity, false},
		{" link ", ActionLink, false},
		{"merge", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAction(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypeAllows(t *testing.T) {
	assert.True(t, TypeMissing.Allows(ActionCreate))
	assert.False(t, TypeMissing.Allows(ActionUpdate))
	assert.True(t, TypeMismatch.Allows(ActionUpdate))
	assert.False(t, TypeMismatch.Allows(ActionDelete))
	assert.True(t, TypeDeleted.Allows(ActionInactivateIdentity))
	assert.True(t, TypeUnlinked.Allows(ActionLink))

	for _, typ := range Types() {
		assert.NotEmpty(t, allowedActions[typ], "type %s must allow at least one action", typ)
	}
}

func TestDedupKey(t *testing.T) {
	a := &Discrepancy{ConnectorID: "crm", Type: TypeMissing, SourceRef: "u1"}
	b := &Discrepancy{ConnectorID: "crm", Type: TypeMissing, SourceRef: "u1", RunID: 9}
	c := &Discrepancy{ConnectorID: "crm", Type: TypeMismatch, SourceRef: "u1", TargetRef: "t1"}

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
