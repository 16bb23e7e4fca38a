package blobx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Uploaded 描述一个已发布的对象。
type Uploaded struct {
	Path string
	Key  string
	Size int64
	Err  error
}

// Open 打开 bucketURL（file:// s3:// gs:// mem://）。
func Open(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	u := strings.TrimSpace(bucketURL)
	if u == "" {
		return nil, fmt.Errorf("publish URL 不能为空")
	}
	bkt, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("打开 bucket 失败：%w", err)
	}
	return bkt, nil
}

// Publish 打开 bucketURL 并上传 paths；prefix 作为对象 key 前缀。
func Publish(ctx context.Context, bucketURL, prefix string, paths []string) ([]Uploaded, error) {
	bkt, err := Open(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	defer bkt.Close()
	return Upload(ctx, bkt, prefix, paths), nil
}

// Upload 逐个上传 paths 到 bkt，每个文件恰好一个结果；单个失败不影响其余文件。
func Upload(ctx context.Context, bkt *blob.Bucket, prefix string, paths []string) []Uploaded {
	out := make([]Uploaded, 0, len(paths))
	for _, p := range paths {
		key := Key(prefix, filepath.Base(p))
		n, err := uploadOne(ctx, bkt, key, p)
		out = append(out, Uploaded{Path: p, Key: key, Size: n, Err: err})
	}
	return out
}

// Key 拼接对象 key（统一使用 '/'）。
func Key(prefix, name string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func uploadOne(ctx context.Context, bkt *blob.Bucket, key, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// 取消 NewWriter 的 ctx 再 Close = 放弃本次写入，不会留下不完整对象。
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bkt.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/pdf"})
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		cancel()
		_ = w.Close()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}
