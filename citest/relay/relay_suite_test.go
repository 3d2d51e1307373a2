package relay_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/joho/godotenv"
)

var ctx context.Context

func TestRelay(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Relay Suite")
}

var _ = BeforeSuite(func() {
	_ = godotenv.Load("../../.env")
	ctx = context.Background()
})
