package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBucketRequiresNameAndRegion(t *testing.T) {
	_, err := NewBucket(context.Background(), "", "us-east-1")
	assert.Error(t, err)
	_, err = NewBucket(context.Background(), "moff", "")
	assert.Error(t, err)
}
