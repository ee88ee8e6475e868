package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"chatsync/server/chatsync/domain"
)

const (
	thumbnailSize    = 320
	defaultLinkTTL   = 24 * time.Hour
	maxAttachmentLen = 25 << 20
)

type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttachmentUploader stores a file and returns a reference usable in a send.
type AttachmentUploader interface {
	Upload(ctx context.Context, file FileUpload) (domain.Attachment, error)
}

func (f FileUpload) validate() error {
	if len(f.Data) == 0 {
		return fmt.Errorf("attachment %q is empty", f.Name)
	}
	if len(f.Data) > maxAttachmentLen {
		return fmt.Errorf("attachment %q exceeds %d bytes", f.Name, maxAttachmentLen)
	}
	return nil
}

type multipartAPI interface {
	UploadAttachment(ctx context.Context, name, contentType string, r io.Reader) (domain.Attachment, error)
}

// RESTUploader posts files to the chat api's multipart endpoint.
type RESTUploader struct {
	api multipartAPI
}

func NewRESTUploader(api multipartAPI) *RESTUploader {
	return &RESTUploader{api: api}
}

func (u *RESTUploader) Upload(ctx context.Context, file FileUpload) (domain.Attachment, error) {
	if err := file.validate(); err != nil {
		return domain.Attachment{}, err
	}
	att, err := u.api.UploadAttachment(ctx, file.Name, file.ContentType, bytes.NewReader(file.Data))
	if err != nil {
		return domain.Attachment{}, err
	}
	if att.SizeBytes == 0 {
		att.SizeBytes = int64(len(file.Data))
	}
	return att, nil
}

type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// ObjectUploader writes files straight to the object store and hands out
// presigned links. Images also get a JPEG thumbnail.
type ObjectUploader struct {
	client  objectStore
	bucket  string
	prefix  string
	linkTTL time.Duration
}

func NewObjectUploader(client objectStore, bucket, prefix string, linkTTL time.Duration) *ObjectUploader {
	if linkTTL <= 0 {
		linkTTL = defaultLinkTTL
	}
	return &ObjectUploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), linkTTL: linkTTL}
}

func (u *ObjectUploader) Upload(ctx context.Context, file FileUpload) (domain.Attachment, error) {
	if err := file.validate(); err != nil {
		return domain.Attachment{}, err
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := uuid.NewString()
	key := path.Join(u.prefix, id+strings.ToLower(filepath.Ext(file.Name)))
	if _, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(file.Data), int64(len(file.Data)), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	link, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.linkTTL, url.Values{})
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("presign attachment: %w", err)
	}
	att := domain.Attachment{
		ID:          key,
		URL:         link.String(),
		Name:        file.Name,
		ContentType: contentType,
		SizeBytes:   int64(len(file.Data)),
	}
	if strings.HasPrefix(contentType, "image/") {
		if thumbURL, err := u.putThumbnail(ctx, key, file.Data); err == nil {
			att.ThumbnailURL = thumbURL
		}
	}
	return att, nil
}

func (u *ObjectUploader) putThumbnail(ctx context.Context, key string, data []byte) (string, error) {
	thumb, err := makeThumbnail(data)
	if err != nil {
		return "", err
	}
	thumbKey := strings.TrimSuffix(key, filepath.Ext(key)) + "_thumb.jpg"
	if _, err := u.client.PutObject(ctx, u.bucket, thumbKey, bytes.NewReader(thumb), int64(len(thumb)), minio.PutObjectOptions{ContentType: "image/jpeg"}); err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	link, err := u.client.PresignedGetObject(ctx, u.bucket, thumbKey, u.linkTTL, url.Values{})
	if err != nil {
		return "", err
	}
	return link.String(), nil
}

func makeThumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
