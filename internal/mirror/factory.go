package mirror

import (
	"context"
	"fmt"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/config"
)

// New builds the mirror described by cfg.
func New(ctx context.Context, cfg config.MirrorConfig) (ckpt.ArchiveMirror, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryMirror(cfg.Name), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem mirror %q requires root", cfg.Name)
		}
		return NewFileSystemMirror(cfg.Name, cfg.Root)
	case "s3":
		return NewS3Mirror(ctx, S3Options{
			Name:            cfg.Name,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.PathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown mirror type %q", cfg.Type)
	}
}

// NewAll builds every enabled mirror.
func NewAll(ctx context.Context, cfgs []config.MirrorConfig) ([]ckpt.ArchiveMirror, error) {
	var out []ckpt.ArchiveMirror
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		m, err := New(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
