package persist

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luryus/wden/internal/crypto"
)

const testProfile = "test-profile"

// testStoreImplementation exercises the Store contract shared by all
// backends.
func testStoreImplementation(t *testing.T, store Store) {
	syncData := []byte("encrypted_sync_payload")
	stateData := []byte("encrypted_session_state")

	exportPayload := []byte("sealed-export-payload-here")
	encodedPayload := base64.StdEncoding.EncodeToString(exportPayload)
	checksum := crypto.CalculateChecksum(exportPayload)

	exportContainer := &ExportContainer{
		ExportID:         "test-export-001",
		ExportTimestamp:  time.Now(),
		ClientVersion:    "2024.12.0",
		ExportVersion:    "1",
		EncryptionMethod: "passphrase",
		ProfileID:        testProfile,
		EncryptedData:    encodedPayload,
		Checksum:         checksum,
	}

	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
	})

	t.Run("ListProfiles", func(t *testing.T) {
		profiles, err := store.ListProfiles()
		require.NoError(t, err)
		assert.Len(t, profiles, 1, "Should have exactly one profile")
		assert.True(t, strings.EqualFold(profiles[0], testProfile),
			"Profile should be %s, got %s", testProfile, profiles[0])
	})

	// Sync cache operations
	var syncVersion string
	t.Run("SaveSyncData", func(t *testing.T) {
		version, err := store.SaveSyncData(syncData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		syncVersion = version
	})

	t.Run("SyncDataExists", func(t *testing.T) {
		exists, err := store.SyncDataExists()
		require.NoError(t, err)
		assert.True(t, exists, "Sync data should exist after saving")
	})

	t.Run("LoadSyncData", func(t *testing.T) {
		versionedData, err := store.LoadSyncData()
		require.NoError(t, err)
		assert.NotNil(t, versionedData)
		assert.Equal(t, syncData, versionedData.Data, "Loaded sync data should match saved data")
		assert.Equal(t, syncVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	// Session state operations
	var stateVersion string
	t.Run("SaveSessionState", func(t *testing.T) {
		version, err := store.SaveSessionState(stateData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		stateVersion = version
	})

	t.Run("SessionStateExists", func(t *testing.T) {
		exists, err := store.SessionStateExists()
		require.NoError(t, err)
		assert.True(t, exists, "Session state should exist after saving")
	})

	t.Run("LoadSessionState", func(t *testing.T) {
		versionedData, err := store.LoadSessionState()
		require.NoError(t, err)
		assert.NotNil(t, versionedData)
		assert.Equal(t, stateData, versionedData.Data, "Loaded state should match saved state")
		assert.Equal(t, stateVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("VersionConflict", func(t *testing.T) {
			version1, err := store.SaveSyncData(syncData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version1)

			versionedData, err := store.LoadSyncData()
			require.NoError(t, err)
			require.NotEmpty(t, versionedData.Version)

			modifiedData := []byte("modified_sync_payload")

			// Save with the current version succeeds.
			version2, err := store.SaveSyncData(modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			// Saving again with the stale version must fail.
			_, err = store.SaveSyncData([]byte("another_modification"), version1)
			require.Error(t, err, "Should return an error for version conflict")

			var concurrencyErr ConcurrencyError
			if errors.As(err, &concurrencyErr) {
				assert.Equal(t, version1, concurrencyErr.ExpectedVersion)
				assert.Equal(t, version2, concurrencyErr.ActualVersion)
				assert.Equal(t, "SaveSyncData", concurrencyErr.Operation)
			} else {
				t.Logf("Got error (not ConcurrencyError): %v (%T)", err, err)
			}
		})

		t.Run("ValidVersion", func(t *testing.T) {
			version1, err := store.SaveSessionState(stateData, "")
			require.NoError(t, err)

			versionedData, err := store.LoadSessionState()
			require.NoError(t, err)

			modifiedData := []byte("updated_session_state")

			version2, err := store.SaveSessionState(modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			loadedData, err := store.LoadSessionState()
			require.NoError(t, err)
			assert.Equal(t, version2, loadedData.Version)
			assert.Equal(t, modifiedData, loadedData.Data)
		})

		t.Run("EmptyVersionOnFirstSave", func(t *testing.T) {
			version, err := store.SaveSyncData(syncData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version)
		})
	})

	t.Run("ExportOperations", func(t *testing.T) {
		exportPath := "test-export-path"

		t.Run("SaveExport", func(t *testing.T) {
			err := store.SaveExport(exportPath, exportContainer)
			require.NoError(t, err)
		})

		t.Run("ListExports", func(t *testing.T) {
			exports, err := store.ListExports()
			require.NoError(t, err)
			assert.NotEmpty(t, exports, "Should have at least one export after saving")

			found := false
			for _, export := range exports {
				if export.ExportID == exportContainer.ExportID {
					found = true
					assert.Equal(t, exportContainer.ProfileID, export.ProfileID)
					assert.Equal(t, exportContainer.ClientVersion, export.ClientVersion)
					assert.Equal(t, exportContainer.ExportVersion, export.ExportVersion)
					assert.True(t, export.IsValid, "Export should be marked as valid")
					assert.True(t, export.FileSize > 0, "File size should be greater than 0")
					break
				}
			}
			assert.True(t, found, "Saved export should be found in export list")
		})

		t.Run("RestoreExport", func(t *testing.T) {
			restored, err := store.RestoreExport(exportPath)
			require.NoError(t, err)
			require.NotNil(t, restored)

			assert.Equal(t, exportContainer.ExportID, restored.ExportID)
			assert.Equal(t, exportContainer.ProfileID, restored.ProfileID)
			assert.Equal(t, exportContainer.ClientVersion, restored.ClientVersion)
			assert.Equal(t, exportContainer.ExportVersion, restored.ExportVersion)
			assert.Equal(t, exportContainer.EncryptionMethod, restored.EncryptionMethod)
			assert.Equal(t, exportContainer.Checksum, restored.Checksum)
			assert.Equal(t, exportContainer.EncryptedData, restored.EncryptedData)
		})

		t.Run("DeleteExport", func(t *testing.T) {
			exportsBefore, err := store.ListExports()
			require.NoError(t, err)

			err = store.DeleteExport(exportContainer.ExportID)
			require.NoError(t, err, "DeleteExport should succeed")

			exportsAfter, err := store.ListExports()
			require.NoError(t, err)

			for _, export := range exportsAfter {
				assert.NotEqual(t, exportContainer.ExportID, export.ExportID,
					"Deleted export should not be found in export list")
			}
			assert.Equal(t, len(exportsBefore)-1, len(exportsAfter),
				"Export count should decrease by 1 after deletion")
		})

		t.Run("RestoreNonexistentExport", func(t *testing.T) {
			_, err := store.RestoreExport("nonexistent-export")
			assert.Error(t, err, "Restoring nonexistent export should return error")
		})

		t.Run("DeleteNonexistentExport", func(t *testing.T) {
			err := store.DeleteExport("nonexistent-export-id")
			assert.Error(t, err, "Deleting nonexistent export should return error")
		})
	})

	t.Run("ErrorHandling", func(t *testing.T) {
		t.Run("LoadNonexistentSyncData", func(t *testing.T) {
			testStore := createFreshTestStore(t, "sync")

			exists, err := testStore.SyncDataExists()
			require.NoError(t, err)
			require.False(t, exists, "Fresh store should have no sync data")

			data, err := testStore.LoadSyncData()
			assert.Error(t, err, "Loading nonexistent sync data should return error")
			assert.Nil(t, data)
		})

		t.Run("LoadNonexistentSessionState", func(t *testing.T) {
			testStore := createFreshTestStore(t, "state")

			exists, err := testStore.SessionStateExists()
			require.NoError(t, err)
			require.False(t, exists, "Fresh store should have no session state")

			data, err := testStore.LoadSessionState()
			assert.Error(t, err, "Loading nonexistent session state should return error")
			assert.Nil(t, data)
		})

		t.Run("DeleteNonexistentProfile", func(t *testing.T) {
			err := store.DeleteProfile("nonexistent-profile-12345")
			assert.Error(t, err, "Deleting nonexistent profile should return error")

			errorMsg := err.Error()
			assert.True(t,
				strings.Contains(errorMsg, "not found") ||
					strings.Contains(errorMsg, "does not exist") ||
					strings.Contains(errorMsg, "not exist"),
				"Error should indicate profile doesn't exist, got: %s", errorMsg)
		})

		t.Run("SaveNilData", func(t *testing.T) {
			_, err := store.SaveSyncData(nil, "")
			assert.Error(t, err, "Saving nil sync data should return error")

			_, err = store.SaveSessionState(nil, "")
			assert.Error(t, err, "Saving nil session state should return error")
		})
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		// Unversioned last-writer-wins saves must never corrupt the
		// store or fail under contention.
		_, err := store.SaveSyncData([]byte("initial-sync"), "")
		require.NoError(t, err)

		_, err = store.SaveSessionState([]byte("initial-state"), "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errCh := make(chan error, 30)

		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func(id int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf("concurrent-sync-%d", id))
				if _, err := store.SaveSyncData(data, ""); err != nil {
					errCh <- err
				}
			}(i)
			go func(id int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf("concurrent-state-%d", id))
				if _, err := store.SaveSessionState(data, ""); err != nil {
					errCh <- err
				}
			}(i)
		}

		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := store.LoadSyncData(); err != nil {
					errCh <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := store.LoadSessionState(); err != nil {
					errCh <- err
				}
			}()
		}

		wg.Wait()
		close(errCh)

		var errorList []error
		for err := range errCh {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)
	})

	t.Run("EdgeCases", func(t *testing.T) {
		t.Run("LargeData", func(t *testing.T) {
			// 1MB payload, roughly a large vault's encrypted sync blob.
			largeData := make([]byte, 1024*1024)
			for i := range largeData {
				largeData[i] = byte(i % 256)
			}

			version, err := store.SaveSyncData(largeData, "")
			require.NoError(t, err, "Should handle large data")
			assert.NotEmpty(t, version)

			loaded, err := store.LoadSyncData()
			require.NoError(t, err)
			assert.Equal(t, largeData, loaded.Data, "Large data should match")
			assert.Equal(t, version, loaded.Version)
		})

		t.Run("InvalidVersion", func(t *testing.T) {
			_, err := store.SaveSyncData([]byte("test_with_invalid_version"), "invalid-version-12345")
			assert.Error(t, err, "Should fail with invalid version")
			assert.Contains(t, err.Error(), "version conflict", "Should indicate version conflict")
		})

		t.Run("RapidSequentialUpdates", func(t *testing.T) {
			version, err := store.SaveSyncData([]byte("rapid-update-base"), "")
			require.NoError(t, err)

			const numUpdates = 10
			currentVersion := version

			for i := 0; i < numUpdates; i++ {
				updateData := []byte(fmt.Sprintf("rapid-update-%d", i))
				newVersion, err := store.SaveSyncData(updateData, currentVersion)
				require.NoError(t, err, "Update %d should succeed", i)
				assert.NotEqual(t, currentVersion, newVersion, "Version should change on update %d", i)
				currentVersion = newVersion

				loaded, err := store.LoadSyncData()
				require.NoError(t, err)
				assert.Equal(t, updateData, loaded.Data, "Data should match for update %d", i)
				assert.Equal(t, newVersion, loaded.Version, "Version should match for update %d", i)
			}
		})

		t.Run("DataConsistencyAfterErrors", func(t *testing.T) {
			goodData := []byte("consistency-test-good")
			version, err := store.SaveSyncData(goodData, "")
			require.NoError(t, err)

			_, err = store.SaveSyncData([]byte("consistency-test-bad"), "invalid-version")
			assert.Error(t, err, "Invalid version should fail")

			loaded, err := store.LoadSyncData()
			require.NoError(t, err)
			assert.Equal(t, goodData, loaded.Data, "Original data should be preserved")
			assert.Equal(t, version, loaded.Version, "Original version should be preserved")
		})

		t.Run("SlotsAreIndependent", func(t *testing.T) {
			syncPayload := []byte("independent-sync")
			statePayload := []byte("independent-state")

			syncVer, err := store.SaveSyncData(syncPayload, "")
			require.NoError(t, err)

			stateVer, err := store.SaveSessionState(statePayload, "")
			require.NoError(t, err)

			loadedSync, err := store.LoadSyncData()
			require.NoError(t, err)
			assert.Equal(t, syncPayload, loadedSync.Data)
			assert.Equal(t, syncVer, loadedSync.Version)

			loadedState, err := store.LoadSessionState()
			require.NoError(t, err)
			assert.Equal(t, statePayload, loadedState.Data)
			assert.Equal(t, stateVer, loadedState.Version)
		})
	})

	t.Run("DeleteProfile", func(t *testing.T) {
		_, err := store.SaveSyncData(syncData, "")
		require.NoError(t, err)

		t.Run("CurrentProfileProtected", func(t *testing.T) {
			profiles, err := store.ListProfiles()
			require.NoError(t, err)

			for _, profile := range profiles {
				if strings.EqualFold(profile, testProfile) {
					err := store.DeleteProfile(profile)
					require.Error(t, err)
					assert.Contains(t, err.Error(), "cannot delete current profile")
				}
			}
		})
	})

	t.Run("Close", func(t *testing.T) {
		err := store.Close()
		assert.NoError(t, err, "Store should close without error")
	})
}

// createFreshTestStore builds an isolated filesystem store for tests that
// need a clean slate.
func createFreshTestStore(t *testing.T, testName string) Store {
	tempTestDir := t.TempDir()
	profileID := fmt.Sprintf("%s-test-profile", testName)
	store, err := NewFileSystemStore(tempTestDir, profileID)
	require.NoError(t, err, "NewFileSystemStore should succeed")
	t.Cleanup(func() { store.Close() })
	return store
}
