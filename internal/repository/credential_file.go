package repository

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// credentialFile 管理 credient.txt：每行一个注册邮箱，# 开头为注释。
type credentialFile struct {
	mu   sync.Mutex
	path string
}

// NewCredentialFile 创建 credient.txt 仓库。
func NewCredentialFile(path string) *credentialFile {
	return &credentialFile{path: path}
}

// ListEmails 返回文件中所有合法的邮箱地址。
func (f *credentialFile) ListEmails() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

func (f *credentialFile) listLocked() ([]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	var emails []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "@") {
			continue
		}
		emails = append(emails, line)
	}
	return emails, nil
}

// AppendEmail 追加邮箱，已存在时不重复写入。
func (f *credentialFile) AppendEmail(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", email)
	}

	existing, err := f.listLocked()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if strings.EqualFold(e, email) {
			return nil
		}
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(email + "\n")
	return err
}

// RemoveEmail 删除邮箱所在行，保留注释和其他行。
func (f *credentialFile) RemoveEmail(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var kept []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(email)) {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(f.path, []byte(strings.Join(kept, "\n")), 0o644)
}
