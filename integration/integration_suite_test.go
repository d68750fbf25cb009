// Package integration contains end-to-end tests for the wipsie worker.
// They run the producer, dispatcher, handlers and HTTP API against the
// in-memory broker, from task submission to the reported task record.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Wipsie Worker Integration Suite")
}
