package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"chamberkeep.ai/internal/persistence/mirror"
)

// buildMirror returns nil unless CK_S3_MIRROR is on.
func buildMirror(reg prometheus.Registerer, logger *log.Logger) (*mirror.Mirror, error) {
	if !envBool("CK_S3_MIRROR", false) {
		return nil, nil
	}
	cfg := mirror.S3Config{
		Endpoint:        strings.TrimSpace(os.Getenv("CK_S3_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("CK_S3_BUCKET")),
		Region:          strings.TrimSpace(os.Getenv("CK_S3_REGION")),
		UseSSL:          envBool("CK_S3_USE_SSL", true),
		AccessKeyID:     strings.TrimSpace(os.Getenv("CK_S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("CK_S3_SECRET_ACCESS_KEY")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("CK_S3_MIRROR=true but CK_S3_ENDPOINT/CK_S3_BUCKET are not set")
	}
	client, err := mirror.NewS3(cfg)
	if err != nil {
		return nil, err
	}
	return mirror.New(client, mirror.Options{
		Prefix:  strings.TrimSpace(os.Getenv("CK_S3_PREFIX")),
		Workers: envInt("CK_S3_UPLOAD_WORKERS", 1),
	}, reg, logger), nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
