package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type namedEngine string

func (n namedEngine) Name() string                          { return string(n) }
func (namedEngine) Available(context.Context) bool          { return true }
func (namedEngine) Run(context.Context, Request, Sink) error { return nil }

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(namedEngine("Nuclei"))

	assert.NotNil(t, r.Get("nuclei"))
	assert.NotNil(t, r.Get(" NUCLEI "))
	assert.Nil(t, r.Get("nikto"))
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry(namedEngine("nuclei"))
	r.Register(namedEngine("NUCLEI"))

	assert.Equal(t, []string{"NUCLEI"}, r.Names())
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(namedEngine("zap"), namedEngine("nuclei"), namedEngine("httpx"))
	assert.Equal(t, []string{"httpx", "nuclei", "zap"}, r.Names())
}
