package pstfs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mattetti/filebuffer"
	log "github.com/sirupsen/logrus"
)

// s3ChunkSize is the size of the ranged GETs issued by S3 readers.
const s3ChunkSize = 64 * 1024 * 1024

// S3FileSystem stores descriptors and tables in S3 buckets.
type S3FileSystem struct {
	Client s3iface.S3API
}

// parseS3URI splits s3://bucket/key into its bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	bucket, pattern, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}

	files := make([]FileInfo, 0)
	params := &s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err = s.Client.ListObjectsPages(params,
		func(page *s3.ListObjectsOutput, _ bool) bool {
			for _, object := range page.Contents {
				key := aws.StringValue(object.Key)
				if matched, _ := path.Match(pattern, key); !matched && !strings.HasPrefix(key, pattern) {
					continue
				}
				files = append(files, FileInfo{
					Name: fmt.Sprintf("s3://%s/%s", bucket, key),
					Size: aws.Int64Value(object.Size),
				})
			}
			return true
		})

	return files, err
}

func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	output, err := s.Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name: filePath,
		Size: aws.Int64Value(output.ContentLength),
	}, nil
}

func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	info, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}
	bucket, key, _ := parseS3URI(filePath)

	reader := &s3Reader{
		client:    s.Client,
		bucket:    bucket,
		key:       key,
		offset:    startAt,
		chunkSize: s3ChunkSize,
		totalSize: info.Size,
	}
	if startAt < info.Size {
		err = reader.loadNextChunk()
	}
	return reader, err
}

func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}
	return &s3Writer{
		client: s.Client,
		bucket: bucket,
		key:    key,
		buf:    filebuffer.New([]byte{}),
	}, nil
}

func (s *S3FileSystem) Delete(filePath string) error {
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return err
	}
	_, err = s.Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3FileSystem) Join(elem ...string) string {
	if len(elem) == 0 {
		return ""
	}
	if !strings.HasPrefix(elem[0], "s3://") {
		return path.Join(elem...)
	}
	rest := append([]string{strings.TrimPrefix(elem[0], "s3://")}, elem[1:]...)
	return "s3://" + path.Join(rest...)
}

func (s *S3FileSystem) Init() error {
	if s.Client != nil {
		return nil
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		log.Errorf("Could not initialize S3 session: %s", err)
		return err
	}
	s.Client = s3.New(sess)
	return nil
}

type s3Writer struct {
	client s3iface.S3API
	bucket string
	key    string
	buf    *filebuffer.Buffer
	closed bool
}

func (s *s3Writer) Write(p []byte) (n int, err error) {
	return s.buf.Write(p)
}

// Close uploads the buffered contents.
func (s *s3Writer) Close() error {
	if s.closed {
		return errors.New("s3 writer already closed")
	}
	s.closed = true
	s.buf.Seek(0, io.SeekStart)
	input := &s3.PutObjectInput{
		Body:   s.buf,
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}
	_, err := s.client.PutObject(input)
	return err
}

type s3Reader struct {
	client    s3iface.S3API
	bucket    string
	key       string
	offset    int64
	chunkSize int64
	chunk     io.ReadCloser
	totalSize int64
}

func (s *s3Reader) loadNextChunk() error {
	size := s.chunkSize
	if remaining := s.totalSize - s.offset; remaining < size {
		size = remaining
	}
	params := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+size-1)),
	}
	output, err := s.client.GetObject(params)
	if err != nil {
		return err
	}
	if s.chunk != nil {
		s.chunk.Close()
	}
	s.offset += size
	s.chunk = output.Body
	return nil
}

func (s *s3Reader) Read(b []byte) (n int, err error) {
	if s.chunk == nil {
		return 0, io.EOF
	}
	n, err = s.chunk.Read(b)
	if err == io.EOF && s.offset < s.totalSize {
		err = s.loadNextChunk()
	}
	return n, err
}

func (s *s3Reader) Close() error {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Close()
}
