package store

import (
	"context"
	"database/sql"
	"testing"
)

func seedIntake(t *testing.T, s *Store, deviceID, clientID, userID string) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		seq, err := AllocateSequence(tx, userID)
		if err != nil {
			return err
		}
		eventID := "s_" + clientID
		if err := InsertEvent(tx, Event{
			ID: eventID, UserID: userID, Sequence: seq,
			OriginatingDeviceID: deviceID, Type: "message",
			Streaming: StreamFinal, PayloadJSON: `{"role":"user"}`,
			PayloadBytes: 15, Timestamp: 1000,
		}); err != nil {
			return err
		}
		return InsertMessage(tx, Message{
			DeviceID: deviceID, ClientID: clientID, UserID: userID,
			ServerEventID: eventID, ServerSequence: seq,
			Content: "hello", ContentHash: "ch", AttachmentsHash: "ah",
			ByteSize: 5, Timestamp: 1000, Streaming: StreamPartial,
		})
	})
}

func TestMessageRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedIntake(t, s, "dev-1", "c_1", "user_a")

	m, ok, err := s.GetMessage(ctx, "dev-1", "c_1")
	if err != nil || !ok {
		t.Fatalf("GetMessage = (%v,%v)", ok, err)
	}
	if m.ServerEventID != "s_c_1" || m.ServerSequence != 1 {
		t.Fatalf("event link = (%q,%d), want (s_c_1,1)", m.ServerEventID, m.ServerSequence)
	}
	if m.Streaming != StreamPartial || m.AckSent {
		t.Fatalf("fresh intake state = (%d,%v), want (1,false)", m.Streaming, m.AckSent)
	}

	_, ok, err = s.GetMessage(ctx, "dev-1", "c_2")
	if err != nil || ok {
		t.Fatalf("unknown clientId = (%v,%v), want (false,nil)", ok, err)
	}
}

func TestMessageStateTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedIntake(t, s, "dev-1", "c_1", "user_a")

	inTx(t, s, func(tx *sql.Tx) error {
		return MarkAckSent(tx, "dev-1", "c_1")
	})
	inTx(t, s, func(tx *sql.Tx) error {
		return SetMessageStreaming(tx, "dev-1", "c_1", StreamFinal)
	})

	m, _, err := s.GetMessage(ctx, "dev-1", "c_1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !m.AckSent || m.Streaming != StreamFinal {
		t.Fatalf("state = (%v,%d), want (true,0)", m.AckSent, m.Streaming)
	}
}

func TestLinkAssetRequiresExistingAsset(t *testing.T) {
	s := testStore(t)

	seedIntake(t, s, "dev-1", "c_1", "user_a")

	tx, err := s.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	err = LinkAsset(tx, "dev-1", "c_1", "a_missing")
	_ = tx.Rollback()
	if err == nil {
		t.Fatal("link to unknown asset accepted, want FK violation")
	}

	inTx(t, s, func(tx *sql.Tx) error {
		return InsertAsset(tx, Asset{AssetID: "a_1", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 9, CreatedAt: 500})
	})
	inTx(t, s, func(tx *sql.Tx) error {
		return LinkAsset(tx, "dev-1", "c_1", "a_1")
	})
}

func TestReferencedAssetCannotBeDeleted(t *testing.T) {
	s := testStore(t)

	seedIntake(t, s, "dev-1", "c_1", "user_a")
	inTx(t, s, func(tx *sql.Tx) error {
		if err := InsertAsset(tx, Asset{AssetID: "a_1", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 9, CreatedAt: 500}); err != nil {
			return err
		}
		return LinkAsset(tx, "dev-1", "c_1", "a_1")
	})

	tx, err := s.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	err = DeleteAssetRow(tx, "a_1")
	_ = tx.Rollback()
	if err == nil {
		t.Fatal("referenced asset deleted, want RESTRICT violation")
	}
}

func TestDeletingMessageCascadesLinks(t *testing.T) {
	s := testStore(t)

	seedIntake(t, s, "dev-1", "c_1", "user_a")
	inTx(t, s, func(tx *sql.Tx) error {
		if err := InsertAsset(tx, Asset{AssetID: "a_1", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 9, CreatedAt: 500}); err != nil {
			return err
		}
		return LinkAsset(tx, "dev-1", "c_1", "a_1")
	})

	inTx(t, s, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM messages WHERE deviceId = ? AND clientId = ?`, "dev-1", "c_1")
		return err
	})

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM message_assets`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("message_assets rows after cascade = %d, want 0", n)
	}
}
