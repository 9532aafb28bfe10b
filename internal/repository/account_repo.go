package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
)

// accountRepo 把账号凭证持久化在 config.json 的 accounts 数组里。
// 文件中的其余字段（settings 等）原样保留，只做针对性修改。
type accountRepo struct {
	mu   sync.Mutex
	path string
}

// NewAccountRepo 创建 config.json 账号仓库。
func NewAccountRepo(path string) *accountRepo {
	return &accountRepo{path: path}
}

func (r *accountRepo) readRaw() ([]byte, error) {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return []byte(`{"accounts":[]}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON in %s", r.path)
	}
	return raw, nil
}

// 先写临时文件再 rename，崩溃时不会留下半截 JSON。
func (r *accountRepo) writeRaw(raw []byte) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

func decodeAccounts(raw []byte) ([]domain.AccountCredentials, error) {
	accountsJSON := gjson.GetBytes(raw, "accounts")
	if !accountsJSON.Exists() {
		return nil, nil
	}
	var accounts []domain.AccountCredentials
	if err := json.Unmarshal([]byte(accountsJSON.Raw), &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// LoadAccounts 读取全部账号凭证。
func (r *accountRepo) LoadAccounts() ([]domain.AccountCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.readRaw()
	if err != nil {
		return nil, err
	}
	return decodeAccounts(raw)
}

// SaveAccounts 整体替换 accounts 数组。
func (r *accountRepo) SaveAccounts(accounts []domain.AccountCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.readRaw()
	if err != nil {
		return err
	}
	updated, err := sjson.SetBytes(raw, "accounts", accounts)
	if err != nil {
		return fmt.Errorf("set accounts: %w", err)
	}
	return r.writeRaw(updated)
}

// UpdateAccount 更新单个账号的凭证字段。
func (r *accountRepo) UpdateAccount(index int, creds domain.AccountCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.readRaw()
	if err != nil {
		return err
	}
	count := gjson.GetBytes(raw, "accounts.#").Int()
	if index < 0 || int64(index) >= count {
		return fmt.Errorf("account index %d out of range (%d accounts)", index, count)
	}
	updated, err := sjson.SetBytes(raw, fmt.Sprintf("accounts.%d", index), creds)
	if err != nil {
		return fmt.Errorf("set account %d: %w", index, err)
	}
	return r.writeRaw(updated)
}

// AppendAccount 追加一个账号，返回其索引。
func (r *accountRepo) AppendAccount(creds domain.AccountCredentials) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.readRaw()
	if err != nil {
		return 0, err
	}
	index := int(gjson.GetBytes(raw, "accounts.#").Int())
	updated, err := sjson.SetBytes(raw, fmt.Sprintf("accounts.%d", index), creds)
	if err != nil {
		return 0, fmt.Errorf("append account: %w", err)
	}
	if err := r.writeRaw(updated); err != nil {
		return 0, err
	}
	return index, nil
}

// RemoveAccount 按索引删除账号。后续账号索引前移。
func (r *accountRepo) RemoveAccount(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.readRaw()
	if err != nil {
		return err
	}
	count := gjson.GetBytes(raw, "accounts.#").Int()
	if index < 0 || int64(index) >= count {
		return fmt.Errorf("account index %d out of range (%d accounts)", index, count)
	}
	updated, err := sjson.DeleteBytes(raw, fmt.Sprintf("accounts.%d", index))
	if err != nil {
		return fmt.Errorf("delete account %d: %w", index, err)
	}
	return r.writeRaw(updated)
}
