package pstfs

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/stretchr/testify/assert"
)

func TestInitFilesystem(t *testing.T) {
	fs := InitFilesystem(Local)
	assert.NotNil(t, fs)
	assert.IsType(t, &LocalFileSystem{}, fs)
}

func TestInferType(t *testing.T) {
	assert.Equal(t, S3, InferType("s3://foo/bar.vds"))
	assert.Equal(t, Local, InferType("./bar.vds"))
	assert.Equal(t, Local, InferType("/data/L1.MS"))
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://bucket/some/key.ref")
	assert.Nil(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "some/key.ref", key)

	_, _, err = parseS3URI("/local/path")
	assert.NotNil(t, err)
}

func TestS3Join(t *testing.T) {
	fs := &S3FileSystem{}
	assert.Equal(t, "s3://bucket/a/b", fs.Join("s3://bucket/a", "b"))
	assert.Equal(t, "a/b", fs.Join("a", "b"))
}

func TestIsNotExist(t *testing.T) {
	_, err := (&LocalFileSystem{}).Stat("/does/not/exist")
	assert.True(t, IsNotExist(err))
	assert.True(t, IsNotExist(awserr.New("NotFound", "no such object", nil)))
	assert.False(t, IsNotExist(awserr.New("AccessDenied", "denied", nil)))
	assert.False(t, IsNotExist(nil))
}
