package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/internal/storage"
)

func TestWriteMembers(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2024, 3, 1, 15, 4, 5, 0, time.FixedZone("MSK", 3*3600))
	err := WriteMembers(&buf, []storage.Member{
		{ID: 1, Username: "ann", FirstName: "Ann"},
		{ID: 2, FirstName: "Bo", LastName: "Li"},
		{ID: 3, FirstName: "Cy"},
		{ID: 4},
	}, at)
	require.NoError(t, err)
	assert.Equal(t, "# Parsed members\n"+
		"# Created: 2024-03-01 12:04:05 UTC\n"+
		"# Total: 4\n\n"+
		"@ann\n"+
		"Bo Li (ID: 2)\n"+
		"Cy (ID: 3)\n"+
		"ID: 4\n", buf.String())
}
