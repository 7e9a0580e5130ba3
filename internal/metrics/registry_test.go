package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCollector(t *testing.T) {
	c := NewRegistryCollector(func() map[string]int {
		return map[string]int{"sessions": 2, "students": 7}
	})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP lectern_registry_active Live sessions, connections and roles in the session registry
# TYPE lectern_registry_active gauge
lectern_registry_active{kind="sessions"} 2
lectern_registry_active{kind="students"} 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lectern_registry_active"))
}
