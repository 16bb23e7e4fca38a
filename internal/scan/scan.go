package scan

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/pdftools/internal/domain"
)

// DownloadDirPrefix 是 download 子命令默认输出目录的前缀。
const DownloadDirPrefix = "PDF_Downloads_"

// ErrNoDownloadDir 表示 cwd 下没有任何 PDF_Downloads_* 目录。
var ErrNoDownloadDir = errors.New("未找到 PDF_Downloads_* 目录，请先执行 download 或显式指定 --input")

// ScanPDFs 扫描 dir（不递归）下的 *.pdf 文件。
//
// 规则：
// - 扩展名大小写不敏感
// - 以 '.' 开头的文件一律跳过（原子写入的临时文件、隐藏文件）
// - 只做 stat，不读文件内容
// - 输出按文件名排序，保证枚举顺序稳定
func ScanPDFs(dir string) ([]domain.PDFFile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	files := make([]domain.PDFFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !IsPDFName(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// 扫描期间被删除：当作不存在。
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, domain.PDFFile{
			AbsPath: filepath.Join(abs, name),
			Name:    name,
			Size:    info.Size(),
			ModUnix: info.ModTime().Unix(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// IsPDFName 判断文件名是否以 .pdf 结尾（大小写不敏感）。
func IsPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// Paths 返回扫描结果的绝对路径（保持顺序）。
func Paths(files []domain.PDFFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.AbsPath)
	}
	return out
}

// FindLatestDownloadDir 在 cwd 下查找最近修改的 PDF_Downloads_* 目录。
// 修改时间相同则按名字倒序取第一个，保证结果确定。
func FindLatestDownloadDir(cwd string) (string, error) {
	entries, err := os.ReadDir(cwd)
	if err != nil {
		return "", err
	}

	type cand struct {
		name string
		mod  int64
	}
	cands := make([]cand, 0, 4)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DownloadDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return "", ErrNoDownloadDir
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mod != cands[j].mod {
			return cands[i].mod > cands[j].mod
		}
		return cands[i].name > cands[j].name
	})
	return filepath.Join(cwd, cands[0].name), nil
}
