package pstfs

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
)

type s3Mock struct {
	s3iface.S3API
	objects map[string][]byte
}

func (m *s3Mock) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *s3Mock) HeadObject(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, assert.AnError
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *s3Mock) GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	data := m.objects[*input.Key]
	var start, end int
	if _, err := fmt.Sscanf(*input.Range, "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func (m *s3Mock) ListObjectsPages(input *s3.ListObjectsInput, fn func(*s3.ListObjectsOutput, bool) bool) error {
	page := &s3.ListObjectsOutput{}
	for key, data := range m.objects {
		page.Contents = append(page.Contents, &s3.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}
	fn(page, true)
	return nil
}

func (m *s3Mock) DeleteObject(input *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3ReaderWriter(t *testing.T) {
	mock := &s3Mock{objects: map[string][]byte{}}
	fs := &S3FileSystem{Client: mock}

	writer, err := fs.OpenWriter("s3://bucket/L1.MS/table.json")
	assert.Nil(t, err)
	_, err = writer.Write([]byte("foo bar baz"))
	assert.Nil(t, err)
	assert.Nil(t, writer.Close())
	assert.Equal(t, []byte("foo bar baz"), mock.objects["L1.MS/table.json"])

	reader, err := fs.OpenReader("s3://bucket/L1.MS/table.json", 4)
	assert.Nil(t, err)
	contents, err := ioutil.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, "bar baz", string(contents))
	assert.Nil(t, reader.Close())
}

func TestS3ReaderChunks(t *testing.T) {
	mock := &s3Mock{objects: map[string][]byte{"obj": []byte("0123456789")}}
	fs := &S3FileSystem{Client: mock}

	reader := &s3Reader{
		client:    fs.Client,
		bucket:    "bucket",
		key:       "obj",
		chunkSize: 3,
		totalSize: 10,
	}
	assert.Nil(t, reader.loadNextChunk())

	contents, err := ioutil.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, "0123456789", string(contents))
}

func TestS3ListAndDelete(t *testing.T) {
	mock := &s3Mock{objects: map[string][]byte{
		"data/a.vds": []byte("a"),
		"other/b":    []byte("bb"),
	}}
	fs := &S3FileSystem{Client: mock}

	files, err := fs.ListFiles("s3://bucket/data/*.vds")
	assert.Nil(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, "s3://bucket/data/a.vds", files[0].Name)

	assert.Nil(t, fs.Delete("s3://bucket/other/b"))
	_, err = fs.Stat("s3://bucket/other/b")
	assert.NotNil(t, err)
}
