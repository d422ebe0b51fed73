package session

import (
	"fmt"
	"strings"

	icrypto "github.com/jmcleod/crossguard/internal/crypto"
	"github.com/jmcleod/crossguard/storage"
)

const (
	roomKeyRecordType = "ROOM_KEY"
	roomKeySeparator  = "|"
)

// RoomKeyStore holds megolm session keys imported from the key backup,
// stored as the decrypted session JSON.
type RoomKeyStore struct {
	sealer *sealer
}

// RoomKeyID identifies one imported session key.
type RoomKeyID struct {
	RoomID    string
	SessionID string
}

func (id RoomKeyID) recordID() string {
	return id.RoomID + roomKeySeparator + id.SessionID
}

func parseRoomKeyID(recordID string) (RoomKeyID, bool) {
	roomID, sessionID, ok := strings.Cut(recordID, roomKeySeparator)
	return RoomKeyID{RoomID: roomID, SessionID: sessionID}, ok
}

// Import stores one session key, replacing any earlier copy.
func (s *RoomKeyStore) Import(id RoomKeyID, sessionData []byte) error {
	env, err := s.sealer.seal(sessionData, icrypto.AADRoomKey(s.sealer.namespace, id.RoomID, id.SessionID))
	if err != nil {
		return err
	}
	return s.sealer.repo.Put(s.sealer.namespace, roomKeyRecordType, id.recordID(), env)
}

// Get returns the session key data for id.
func (s *RoomKeyStore) Get(id RoomKeyID) ([]byte, error) {
	env, err := s.sealer.repo.Get(s.sealer.namespace, roomKeyRecordType, id.recordID())
	if err != nil {
		return nil, err
	}
	data, err := s.sealer.open(env, icrypto.AADRoomKey(s.sealer.namespace, id.RoomID, id.SessionID))
	if err != nil {
		return nil, fmt.Errorf("opening room key %s/%s: %w", id.RoomID, id.SessionID, err)
	}
	return data, nil
}

// List returns the ids of every imported session key.
func (s *RoomKeyStore) List() ([]RoomKeyID, error) {
	recordIDs, err := s.sealer.list(roomKeyRecordType)
	if err != nil {
		return nil, err
	}
	ids := make([]RoomKeyID, 0, len(recordIDs))
	for _, rid := range recordIDs {
		if id, ok := parseRoomKeyID(rid); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Clear removes every imported session key.
func (s *RoomKeyStore) Clear() error {
	recordIDs, err := s.sealer.list(roomKeyRecordType)
	if err != nil || len(recordIDs) == 0 {
		return err
	}
	return s.sealer.repo.Batch(s.sealer.namespace, func(tx storage.BatchTx) error {
		for _, rid := range recordIDs {
			if err := tx.Delete(roomKeyRecordType, rid); err != nil && !storage.IsMissing(err) {
				return err
			}
		}
		return nil
	})
}
