package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/luryus/wden/internal/crypto"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements Store against an S3-compatible bucket via MinIO, so a
// sync cache and exports can be shared across machines.
//
// Object layout:
//
//	bucket/
//	├── [keyPrefix/]profile1/
//	│   ├── profile.json     # profile marker
//	│   ├── sync.cache       # encrypted sync payload
//	│   ├── session.state    # encrypted session blob
//	│   └── exports/
//	│       └── <name>.export
//	└── [keyPrefix/]profile2/
//	    └── ...
type S3Store struct {
	client     *minio.Client
	bucketName string

	// keyPrefix namespaces this client's objects when the bucket is
	// shared with other applications.
	keyPrefix string

	profileID string
}

// S3Config contains the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Store connects to the configured endpoint, ensures the bucket
// exists and binds the store to one profile. An empty profile ID defaults
// to "default".
func NewS3Store(config S3Config, profileID string) (*S3Store, error) {
	if profileID == "" {
		profileID = "default"
	}

	if err := validateProfileID(profileID); err != nil {
		return nil, fmt.Errorf("invalid profile ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		profileID:  profileID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeProfileMarker(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize profile marker: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, profileID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, profileID)
}

func (s3s *S3Store) initializeProfileMarker(ctx context.Context) error {
	objectName := s3s.buildProfilePath("profile.json")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			marker := profileMarker{
				Version:    "1.0.0",
				ProfileID:  s3s.profileID,
				CreatedAt:  time.Now().UTC(),
				LastAccess: time.Now().UTC(),
				Structure:  "v1",
			}

			data, err := json.MarshalIndent(marker, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal profile marker: %w", err)
			}

			_, err = s3s.client.PutObject(
				ctx,
				s3s.bucketName,
				objectName,
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{
					ContentType: "application/json",
					UserMetadata: map[string]string{
						"profile-marker":    "true",
						"profile-id":        s3s.profileID,
						"version":           marker.Version,
						"structure-version": marker.Structure,
						"created-at":        marker.CreatedAt.Format(time.RFC3339),
					},
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create profile marker: %w", err)
			}
		} else {
			return fmt.Errorf("failed to check profile marker: %w", err)
		}
	}

	return nil
}

// ListProfiles returns all profile IDs with data in the bucket.
func (s3s *S3Store) ListProfiles() ([]string, error) {
	basePrefix := s3s.keyPrefix
	if basePrefix != "" && !strings.HasSuffix(basePrefix, "/") {
		basePrefix = basePrefix + "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	profileSet := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}

		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		relativePath := strings.TrimPrefix(object.Key, basePrefix)
		parts := strings.Split(relativePath, "/")
		if len(parts) > 0 && parts[0] != "" {
			profileSet[parts[0]] = true
		}
	}

	var profiles []string
	for profile := range profileSet {
		profiles = append(profiles, profile)
	}
	sort.Strings(profiles)

	return profiles, nil
}

// DeleteProfile removes every object under a profile's prefix.
func (s3s *S3Store) DeleteProfile(profileID string) error {
	if err := validateProfileID(profileID); err != nil {
		return fmt.Errorf("invalid profile ID: %w", err)
	}

	if profileID == s3s.profileID {
		return fmt.Errorf("cannot delete current profile")
	}

	profilePrefix := s3s.buildPathForProfile(profileID) + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    profilePrefix,
		Recursive: true,
	})

	var objectNames []string
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("failed to list profile objects: %w", object.Err)
		}
		objectNames = append(objectNames, object.Key)
	}

	if len(objectNames) == 0 {
		return fmt.Errorf("profile %s not found or has no data", profileID)
	}

	for _, objectName := range objectNames {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
		if err != nil {
			// A concurrent delete is fine.
			if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
				return fmt.Errorf("failed to delete object %s: %w", objectName, err)
			}
		}
	}

	return nil
}

// Sync cache

func (s3s *S3Store) SaveSyncData(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersionedObject(s3s.getSyncCacheObjectName(), data, expectedVersion, "SaveSyncData")
}

func (s3s *S3Store) LoadSyncData() (*VersionedData, error) {
	return s3s.loadVersionedObject(s3s.getSyncCacheObjectName(), "sync data")
}

func (s3s *S3Store) SyncDataExists() (bool, error) {
	return s3s.objectExists(s3s.getSyncCacheObjectName(), "sync data")
}

// Session state

func (s3s *S3Store) SaveSessionState(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersionedObject(s3s.getSessionStateObjectName(), data, expectedVersion, "SaveSessionState")
}

func (s3s *S3Store) LoadSessionState() (*VersionedData, error) {
	return s3s.loadVersionedObject(s3s.getSessionStateObjectName(), "session state")
}

func (s3s *S3Store) SessionStateExists() (bool, error) {
	return s3s.objectExists(s3s.getSessionStateObjectName(), "session state")
}

// saveVersionedObject uploads with an if-match condition when an expected
// version is given, mapping precondition failures to ConcurrencyError.
func (s3s *S3Store) saveVersionedObject(objectName string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"Created-At": time.Now().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		return "", fmt.Errorf("failed to save object: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) loadVersionedObject(objectName, what string) (*VersionedData, error) {
	ctx := context.Background()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s not found", what)
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s not found", what)
		}
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s info: %w", what, err)
	}

	// Prefer the upload timestamp from metadata, fall back to
	// LastModified.
	var timestamp time.Time
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(objectName, what string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s existence: %w", what, err)
	}

	return true, nil
}

// Export operations

func (s3s *S3Store) SaveExport(exportPath string, container *ExportContainer) error {
	if container.ProfileID == "" {
		container.ProfileID = s3s.profileID
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal export container: %w", err)
	}

	objectPath := s3s.buildProfilePath("exports") + "/" + exportPath + ".export"

	// Lowercase-hyphen keys for portability across S3 backends.
	metadata := map[string]string{
		"export-id":         container.ExportID,
		"export-version":    container.ExportVersion,
		"client-version":    container.ClientVersion,
		"encryption-method": container.EncryptionMethod,
		"checksum":          container.Checksum,
		"profile-id":        container.ProfileID,
		"export-timestamp":  container.ExportTimestamp.Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to save export to S3: %w", err)
	}

	return nil
}

func (s3s *S3Store) RestoreExport(exportPath string) (*ExportContainer, error) {
	if exportPath == "" {
		return nil, fmt.Errorf("export path cannot be empty")
	}

	objectName := s3s.buildProfilePath("exports", exportPath+".export")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("export '%s' not found for profile %s", exportPath, s3s.profileID)
		}
		return nil, fmt.Errorf("failed to get export: %w", err)
	}
	defer object.Close()

	containerData, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("export '%s' not found for profile %s", exportPath, s3s.profileID)
		}
		return nil, fmt.Errorf("failed to read export container: %w", err)
	}

	var container ExportContainer
	if err := json.Unmarshal(containerData, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export container: %w", err)
	}

	if container.ExportID == "" {
		return nil, fmt.Errorf("invalid export: missing export ID")
	}

	if container.ExportVersion == "" {
		return nil, fmt.Errorf("invalid export: missing export version")
	}

	if container.EncryptedData == "" {
		return nil, fmt.Errorf("invalid export: missing encrypted data")
	}

	return &container, nil
}

func (s3s *S3Store) DeleteExport(exportID string) error {
	exports, err := s3s.ListExports()
	if err != nil {
		return fmt.Errorf("failed to list exports for deletion: %w", err)
	}

	var storePath string
	for _, export := range exports {
		if export.ExportID == exportID {
			storePath = export.StorePath
			break
		}
	}

	if storePath == "" {
		return fmt.Errorf("export %s not found for profile %s", exportID, s3s.profileID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err = s3s.client.RemoveObject(ctx, s3s.bucketName, storePath, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("failed to delete export '%s': %w", exportID, err)
		}
	}

	return nil
}

func (s3s *S3Store) ListExports() ([]ExportInfo, error) {
	prefix := s3s.buildProfilePath("exports") + "/"

	var exports []ExportInfo

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix: prefix,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		if !strings.HasSuffix(object.Key, ".export") {
			continue
		}

		// ListObjects does not include user metadata; stat each object.
		statInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key, minio.StatObjectOptions{})
		if err != nil {
			continue
		}

		objectInfo := minio.ObjectInfo{
			Key:          statInfo.Key,
			LastModified: statInfo.LastModified,
			Size:         statInfo.Size,
			ContentType:  statInfo.ContentType,
			UserMetadata: statInfo.UserMetadata,
		}

		exportInfo := s3s.getExportInfoFromMetadata(objectInfo)
		if exportInfo.ExportID == "" {
			// Metadata missing; fall back to the object name.
			exportInfo = ExportInfo{
				ExportID:        extractExportIDFromPath(object.Key),
				ExportTimestamp: object.LastModified,
				ProfileID:       s3s.profileID,
				FileSize:        object.Size,
				IsValid:         false,
				StorePath:       object.Key,
			}
		}

		exports = append(exports, exportInfo)
	}

	return exports, nil
}

// extractExportIDFromPath recovers an identifier from the object key when
// metadata is missing.
func extractExportIDFromPath(objectKey string) string {
	parts := strings.Split(objectKey, "/")
	if len(parts) == 0 {
		return "unknown"
	}

	filename := parts[len(parts)-1]
	return strings.TrimSuffix(filename, ".export")
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	objectName := s3s.buildProfilePath("profile.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err == nil {
		defer object.Close()

		if markerData, err := io.ReadAll(object); err == nil {
			var marker profileMarker
			if err := json.Unmarshal(markerData, &marker); err == nil {
				marker.LastAccess = time.Now().UTC()

				if updatedData, err := json.MarshalIndent(marker, "", "  "); err == nil {
					_, _ = s3s.client.PutObject(
						ctx,
						s3s.bucketName,
						objectName,
						bytes.NewReader(updatedData),
						int64(len(updatedData)),
						minio.PutObjectOptions{
							ContentType: "application/json",
							UserMetadata: map[string]string{
								"profile-marker": "true",
								"profile-id":     s3s.profileID,
								"updated-at":     time.Now().UTC().Format(time.RFC3339),
							},
						},
					)
				}
			}
		}
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods

func (s3s *S3Store) buildProfilePath(components ...string) string {
	return s3s.buildPathForProfile(s3s.profileID, components...)
}

func (s3s *S3Store) buildPathForProfile(profileID string, components ...string) string {
	var parts []string

	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}

	if profileID != "" {
		parts = append(parts, profileID)
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getExportInfoFromMetadata(object minio.ObjectInfo) ExportInfo {
	// S3 backends differ in how they report user metadata keys; look
	// them up case-insensitively with - and _ treated as equivalent.
	getMetadata := func(metadataMap map[string]string, key string) string {
		searchKey := strings.ToLower(strings.ReplaceAll(key, "_", "-"))

		for k, v := range metadataMap {
			normalizedKey := strings.ToLower(strings.ReplaceAll(k, "_", "-"))
			if normalizedKey == searchKey {
				return v
			}
		}
		return ""
	}

	exportID := getMetadata(object.UserMetadata, "export-id")
	clientVersion := getMetadata(object.UserMetadata, "client-version")
	exportVersion := getMetadata(object.UserMetadata, "export-version")
	encryptionMethod := getMetadata(object.UserMetadata, "encryption-method")
	profileID := getMetadata(object.UserMetadata, "profile-id")
	checksum := getMetadata(object.UserMetadata, "checksum")
	timestampStr := getMetadata(object.UserMetadata, "export-timestamp")

	var exportTimestamp time.Time
	if timestampStr != "" {
		if parsed, err := time.Parse(time.RFC3339, timestampStr); err == nil {
			exportTimestamp = parsed
		} else {
			exportTimestamp = object.LastModified
		}
	} else {
		exportTimestamp = object.LastModified
	}

	return ExportInfo{
		ExportID:         exportID,
		ExportTimestamp:  exportTimestamp,
		ClientVersion:    clientVersion,
		ExportVersion:    exportVersion,
		EncryptionMethod: encryptionMethod,
		ProfileID:        profileID,
		Checksum:         checksum,
		FileSize:         object.Size,
		IsValid:          exportID != "",
		StorePath:        object.Key,
	}
}

func (s3s *S3Store) getExportInfoFromContent(exportPath string, fileSize int64) (*ExportInfo, error) {
	container, err := s3s.RestoreExport(exportPath)
	if err != nil {
		return nil, err
	}

	isValid := false
	if container.Checksum != "" && container.EncryptedData != "" {
		encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
		if err == nil {
			isValid = crypto.CalculateChecksum(encryptedData) == container.Checksum
		}
	}

	profileID := container.ProfileID
	if profileID == "" {
		profileID = s3s.profileID
	}

	return &ExportInfo{
		ExportID:         container.ExportID,
		ExportTimestamp:  container.ExportTimestamp,
		ClientVersion:    container.ClientVersion,
		ExportVersion:    container.ExportVersion,
		EncryptionMethod: container.EncryptionMethod,
		ProfileID:        profileID,
		FileSize:         fileSize,
		IsValid:          isValid,
	}, nil
}

// Version helpers

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil // no object, empty version
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}

func (s3s *S3Store) getSyncCacheObjectName() string {
	return s3s.buildProfilePath("sync.cache")
}

func (s3s *S3Store) getSessionStateObjectName() string {
	return s3s.buildProfilePath("session.state")
}
