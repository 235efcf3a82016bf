package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Save はvをgobでエンコードし、zstdで圧縮してwに書き込む
//
// 使用例:
//
//	var buf bytes.Buffer
//	err := model.Save(results, &buf)
func Save(v interface{}, w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to create zstd writer")
	}
	if err := gob.NewEncoder(enc).Encode(v); err != nil {
		_ = enc.Close()
		return errors.Wrap(err, "failed to encode artifact")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "failed to flush zstd stream")
	}
	return nil
}

// Load はSaveで書き込まれたデータをrから読み込みvにデコードする
func Load(v interface{}, r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "failed to create zstd reader")
	}
	defer dec.Close()

	if err := gob.NewDecoder(dec).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode artifact")
	}
	return nil
}

// SaveAtomic はvをpathに保存する
//
// 同じディレクトリの一時ファイルに書き込んでからリネームするため、
// 読み手が書きかけのファイルを見ることはない。
//
// パラメータ:
//   - v: 保存する値（gobでエンコード可能であること）
//   - path: 保存先のファイルパス。親ディレクトリは必要に応じて作成される
func SaveAtomic(v interface{}, path string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := Save(v, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to rename into %s", path)
	}
	return nil
}

// LoadFile はpathからSaveAtomicで保存された値を読み込む
//
// ファイルが存在しない場合のエラーはos.ErrNotExistと判定できる。
func LoadFile(v interface{}, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	if err := Load(v, file); err != nil {
		return errors.Wrapf(err, "in %s", path)
	}
	return nil
}
