package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicyYAML = `
collections:
  - name: rehabMenus
    subject_field: patientId
  - name: invoices
    rule: drop_fields
    fields: [cardNumber, cvc]
`

func TestParsePolicyExtensions(t *testing.T) {
	exts, err := ParsePolicyExtensions([]byte(testPolicyYAML))
	require.NoError(t, err)

	assert.Equal(t, []Extension{
		{Collection: "rehabMenus", Rule: RuleFull, SubjectField: "patientId"},
		{Collection: "invoices", Rule: RuleDropFields, Fields: []string{"cardNumber", "cvc"}},
	}, exts)
}

func TestParsePolicyExtensions_InvalidYAML(t *testing.T) {
	_, err := ParsePolicyExtensions([]byte("collections: ["))
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyYAML), 0600))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.True(t, p.Registered("rehabMenus"))
	assert.True(t, p.Registered("invoices"))
	assert.True(t, p.Registered(CollectionUsers))
}

func TestLoadPolicyFile_EmptyPathIsBuiltin(t *testing.T) {
	p, err := LoadPolicyFile("")
	require.NoError(t, err)
	assert.True(t, p.Registered(CollectionMessages))
	assert.False(t, p.Registered("rehabMenus"))
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicyFile_RejectsBuiltinOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("collections:\n  - name: users\n"), 0600))

	_, err := LoadPolicyFile(path)
	assert.Error(t, err)
}
