package facts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
)

const (
	linuxStatCommand = "stat -c 'user=%U group=%G mode=%A atime=%X mtime=%Y ctime=%Z size=%s %N'"
	bsdStatCommand   = "stat -f 'user=%Su group=%Sg mode=%Sp atime=%a mtime=%m ctime=%c size=%z %N%SY'"
)

var statRegex = regexp.MustCompile(
	`^user=(.*) group=(.*) mode=(.*) atime=([0-9]*) mtime=([0-9]*) ctime=([0-9]*) size=([0-9]*) (.*)$`,
)

// FileType is the kind of filesystem entry at a path.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeLink      FileType = "link"
	FileTypeSocket    FileType = "socket"
	FileTypeFifo      FileType = "fifo"
	FileTypeBlock     FileType = "block"
	FileTypeCharacter FileType = "character"
)

var flagToType = map[byte]FileType{
	'b': FileTypeBlock,
	'c': FileTypeCharacter,
	'd': FileTypeDirectory,
	'l': FileTypeLink,
	's': FileTypeSocket,
	'p': FileTypeFifo,
	'-': FileTypeFile,
}

var symbolToOctal = map[string]int{
	"rwx": 7,
	"rw-": 6,
	"r-x": 5,
	"r--": 4,
	"-wx": 3,
	"-w-": 2,
	"--x": 1,
}

// FileInfo describes a path on the host. Mode holds the permission digits as
// written in octal, e.g. 644.
type FileInfo struct {
	Type       FileType  `json:"type"`
	User       string    `json:"user"`
	Group      string    `json:"group"`
	Mode       int       `json:"mode"`
	Size       int64     `json:"size"`
	ATime      time.Time `json:"atime"`
	MTime      time.Time `json:"mtime"`
	CTime      time.Time `json:"ctime"`
	LinkTarget string    `json:"link_target,omitempty"`
}

// IsFile reports whether the path is a regular file.
func (f *FileInfo) IsFile() bool {
	return f != nil && f.Type == FileTypeFile
}

// IsDirectory reports whether the path is a directory.
func (f *FileInfo) IsDirectory() bool {
	return f != nil && f.Type == FileTypeDirectory
}

// StatCommand stats a path with GNU stat, falling back to BSD stat, and prints
// nothing when the path does not exist.
func StatCommand(path string) string {
	q := shellescape.Quote(path)
	return fmt.Sprintf("! (test -e %[1]s || test -L %[1]s ) || ( %[2]s %[1]s 2> /dev/null || %[3]s %[1]s )",
		q, linuxStatCommand, bsdStatCommand)
}

// ParseMode converts "rwxr-xr-x" into 755.
func ParseMode(mode string) int {
	result := 0
	for i := 0; i < 9; i += 3 {
		result *= 10
		if i+3 <= len(mode) {
			result += symbolToOctal[mode[i:i+3]]
		}
	}
	return result
}

// ParseStat parses one line of StatCommand output. It returns nil when the
// line is not stat output.
func ParseStat(line string) *FileInfo {
	m := statRegex.FindStringSubmatch(line)
	if m == nil || len(m[3]) == 0 {
		return nil
	}

	fileType, ok := flagToType[m[3][0]]
	if !ok {
		return nil
	}

	info := &FileInfo{
		Type:  fileType,
		User:  m[1],
		Group: m[2],
		Mode:  ParseMode(m[3][1:]),
		ATime: unixTime(m[4]),
		MTime: unixTime(m[5]),
		CTime: unixTime(m[6]),
	}
	info.Size, _ = strconv.ParseInt(m[7], 10, 64)

	if fileType == FileTypeLink {
		if _, target, ok := strings.Cut(m[8], " -> "); ok {
			info.LinkTarget = strings.TrimLeft(strings.Trim(target, "'"), "`")
		}
	}

	return info
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func statProcess(_ Args, lines []string) (*FileInfo, error) {
	return ParseStat(lines[0]), nil
}

// File stats a path. Args: path. The value is nil when the path does not
// exist; callers check Type to tell a file from other entries.
var File = &Descriptor[*FileInfo]{
	Name: "files.File",
	Command: func(a Args) string {
		return StatCommand(a.String("path"))
	},
	Process: statProcess,
}

// Directory stats a path expected to be a directory. Args: path.
var Directory = &Descriptor[*FileInfo]{
	Name: "files.Directory",
	Command: func(a Args) string {
		return StatCommand(a.String("path"))
	},
	Process: statProcess,
}

// Sha1File hashes a file, "" when it does not exist. Args: path.
var Sha1File = &Descriptor[string]{
	Name: "files.Sha1File",
	Command: func(a Args) string {
		q := shellescape.Quote(a.String("path"))
		return fmt.Sprintf("test -e %[1]s && ( sha1sum %[1]s 2> /dev/null || shasum %[1]s 2> /dev/null || sha1 %[1]s ) || true", q)
	},
	Process: func(a Args, lines []string) (string, error) {
		path := regexp.QuoteMeta(a.String("path"))
		patterns := []*regexp.Regexp{
			regexp.MustCompile(`^([a-zA-Z0-9]{40})\s+` + path + `$`),
			regexp.MustCompile(`^SHA1\s+\(` + path + `\)\s+=\s+([a-zA-Z0-9]{40})$`),
		}
		for _, re := range patterns {
			if m := re.FindStringSubmatch(lines[0]); m != nil {
				return m[1], nil
			}
		}
		return "", nil
	},
}
