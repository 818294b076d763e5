package store

import (
	"database/sql"

	"github.com/mescon/rdsentinel/internal/crypto"
)

// GetSetting returns a plaintext setting value, transparently
// decrypting it if it carries crypto.EncryptedPrefix.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value sql.NullString
	err := s.DB.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !value.Valid {
		return "", true, nil
	}

	plain, err := crypto.Decrypt(value.String)
	if err != nil {
		return "", true, err
	}
	return plain, true, nil
}

// SetSetting upserts a setting, encrypting it first when sensitive is
// true and an encryption key is configured.
func (s *Store) SetSetting(key, value string, sensitive bool) error {
	stored := value
	if sensitive {
		encrypted, err := crypto.Encrypt(value)
		if err != nil {
			return err
		}
		stored = encrypted
	}

	_, err := s.DB.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, stored)
	return err
}

// DeleteSetting removes a setting row.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.DB.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}
