package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ArchiveManifest is the per-day record of which CSV partitions were
// uploaded to the cold store.
type ArchiveManifest struct {
	Day       string           `json:"day"`
	CreatedAt time.Time        `json:"created_at"`
	Archive   string           `json:"archive"`
	Checksum  string           `json:"checksum_sha256"`
	SizeBytes int64            `json:"size_bytes"`
	Files     []ManifestFile   `json:"files"`
}

type ManifestFile struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
}

// ArchiveManager bundles one day's CSV root into a tar.gz and uploads
// it to an S3-compatible bucket with a staging-then-upload shape: stage
// to a scratch directory, checksum before upload, upload through the
// managed multipart uploader rather than a single PutObject call.
type ArchiveManager struct {
	s3c      *s3.Client
	bucket   string
	stageDir string
	log      zerolog.Logger
}

func NewArchiveManager(s3c *s3.Client, bucket, stageDir string, log zerolog.Logger) *ArchiveManager {
	return &ArchiveManager{s3c: s3c, bucket: bucket, stageDir: stageDir, log: log.With().Str("component", "storage.archive").Logger()}
}

// ArchiveDay tars+gzips every CSV partition file under csvRoot named
// <day>.csv (day is YYYY-MM-DD), uploads the result, and returns the
// manifest.
func (a *ArchiveManager) ArchiveDay(ctx context.Context, csvRoot, day string) (*ArchiveManifest, error) {
	if err := os.MkdirAll(a.stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: stage dir: %w", err)
	}
	archiveName := fmt.Sprintf("g6-csv-%s.tar.gz", day)
	archivePath := filepath.Join(a.stageDir, archiveName)

	files, err := a.collectDayFiles(csvRoot, day)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("archive: no CSV partitions found for day %s", day)
	}

	manifestFiles, err := a.createArchive(archivePath, csvRoot, files)
	if err != nil {
		return nil, fmt.Errorf("archive: create: %w", err)
	}
	defer os.Remove(archivePath)

	checksum, size, err := checksumAndSize(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: checksum: %w", err)
	}

	if err := a.upload(ctx, archiveName, archivePath); err != nil {
		return nil, fmt.Errorf("archive: upload: %w", err)
	}

	manifest := &ArchiveManifest{
		Day:       day,
		CreatedAt: time.Now().UTC(),
		Archive:   archiveName,
		Checksum:  checksum,
		SizeBytes: size,
		Files:     manifestFiles,
	}
	if err := writeManifestJSON(filepath.Join(csvRoot, ".archive-"+day+".json"), manifest); err != nil {
		a.log.Warn().Err(err).Msg("failed to write local archive manifest")
	}

	a.log.Info().Str("archive", archiveName).Int64("bytes", size).Int("files", len(manifestFiles)).Msg("cold archive uploaded")
	return manifest, nil
}

func (a *ArchiveManager) collectDayFiles(csvRoot, day string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(csvRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path) == day+".csv" {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

func (a *ArchiveManager) createArchive(archivePath, root string, files []string) ([]ManifestFile, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	manifestFiles := make([]ManifestFile, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{Name: rel, Mode: 0o644, Size: info.Size()}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		src, err := os.Open(f)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return nil, err
		}
		src.Close()
		manifestFiles = append(manifestFiles, ManifestFile{Path: rel, Bytes: info.Size()})
	}
	return manifestFiles, nil
}

func (a *ArchiveManager) upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uploader := manager.NewUploader(a.s3c)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func checksumAndSize(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeManifestJSON persists the manifest alongside the CSV root so a
// restore can discover what has already been archived without calling S3.
func writeManifestJSON(path string, m *ArchiveManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
