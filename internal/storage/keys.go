package storage

import "fmt"

// Key layout for the document bucket. The raw upload location is resolvable
// from the document ID alone, and stage output keys are stable across
// restarts and across dispatch backends: a restart overwrites the same
// keys rather than minting new ones.

// RawKey returns the object key where the upload collaborator stores the
// original document bytes.
func RawKey(documentID string) string {
	return fmt.Sprintf("raw/%s", documentID)
}

// OutputKey returns the object key for an offloaded stage output.
func OutputKey(documentID, stage string) string {
	return fmt.Sprintf("outputs/%s/%s.json", documentID, stage)
}
