package store

import (
	"context"
	"database/sql"
	"testing"
)

func TestAssetRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inTx(t, s, func(tx *sql.Tx) error {
		return InsertAsset(tx, Asset{AssetID: "a_1", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/webp", Size: 1024, CreatedAt: 9000})
	})

	a, ok, err := s.GetAsset(ctx, "a_1")
	if err != nil || !ok {
		t.Fatalf("GetAsset = (%v,%v)", ok, err)
	}
	if a.UserID != "user_a" || a.MimeType != "image/webp" || a.Size != 1024 {
		t.Fatalf("asset = %+v", a)
	}

	_, ok, err = s.GetAsset(ctx, "a_2")
	if err != nil || ok {
		t.Fatalf("unknown asset = (%v,%v), want (false,nil)", ok, err)
	}
}

func TestAssetOwner(t *testing.T) {
	s := testStore(t)

	inTx(t, s, func(tx *sql.Tx) error {
		return InsertAsset(tx, Asset{AssetID: "a_1", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 1, CreatedAt: 1})
	})

	inTx(t, s, func(tx *sql.Tx) error {
		owner, ok, err := AssetOwner(tx, "a_1")
		if err != nil {
			return err
		}
		if !ok || owner != "user_a" {
			t.Fatalf("AssetOwner = (%q,%v)", owner, ok)
		}
		_, ok, err = AssetOwner(tx, "a_nope")
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("unknown asset reported as owned")
		}
		return nil
	})
}

func TestSweepUnreferencedAssets(t *testing.T) {
	s := testStore(t)

	seedIntake(t, s, "dev-1", "c_1", "user_a")
	inTx(t, s, func(tx *sql.Tx) error {
		// Old and referenced: protected.
		if err := InsertAsset(tx, Asset{AssetID: "a_ref", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 1, CreatedAt: 100}); err != nil {
			return err
		}
		if err := LinkAsset(tx, "dev-1", "c_1", "a_ref"); err != nil {
			return err
		}
		// Old and unreferenced: swept.
		if err := InsertAsset(tx, Asset{AssetID: "a_old", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 1, CreatedAt: 100}); err != nil {
			return err
		}
		// Young and unreferenced: still inside the TTL.
		return InsertAsset(tx, Asset{AssetID: "a_new", UserID: "user_a",
			UploaderDeviceID: "dev-1", MimeType: "image/png", Size: 1, CreatedAt: 9000})
	})

	inTx(t, s, func(tx *sql.Tx) error {
		n, err := SweepUnreferencedAssets(tx, 5000)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("swept %d rows, want 1", n)
		}
		return nil
	})

	ctx := context.Background()
	for _, tc := range []struct {
		assetID string
		want    bool
	}{
		{"a_ref", true},
		{"a_old", false},
		{"a_new", true},
	} {
		_, ok, err := s.GetAsset(ctx, tc.assetID)
		if err != nil {
			t.Fatalf("GetAsset(%s): %v", tc.assetID, err)
		}
		if ok != tc.want {
			t.Fatalf("GetAsset(%s) = %v, want %v", tc.assetID, ok, tc.want)
		}
	}
}
