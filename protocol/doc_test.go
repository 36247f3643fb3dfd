package protocol_test

import (
	"testing"

	"github.com/flashbots/fedrelay/testutil"
)

func TestValidatorsDocumented(t *testing.T) {
	testutil.RequireDocumented(t, ".",
		"ParseRound", "KeyBundle.Validate", "RekeyEdge.Validate", "ChunkLayout.Validate", "FedConfig.Validate")
}
