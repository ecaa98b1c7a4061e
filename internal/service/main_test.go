package service

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/paymint/transfer-engine/internal/testutil/dblock"
)

func TestMain(m *testing.M) {
	release := dblock.Acquire()
	zap.ReplaceGlobals(zap.NewNop())
	code := m.Run()
	release()
	os.Exit(code)
}
