package domain

// PDFFile 描述一次扫描得到的 PDF 文件（只做 stat，不读内容）。
//
// 不变量：AbsPath 必须是 clean + absolute。
type PDFFile struct {
	AbsPath string
	Name    string
	Size    int64
	ModUnix int64
}
