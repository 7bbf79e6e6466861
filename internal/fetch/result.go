package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"time"
)

// WordsPerMinute 用于估算阅读时长。
const WordsPerMinute = 200

// Options 控制抓取时需要提取的结构化信息。
type Options struct {
	IncludeLinks  bool `json:"include_links"`
	IncludeImages bool `json:"include_images"`
	IncludeTables bool `json:"include_tables"`
	IncludeForms  bool `json:"include_forms"`
	// MaxContentLength 截断正文的最大字符数，0 表示不截断。
	MaxContentLength int `json:"max_content_length"`
}

// canonical 返回与字段顺序无关的规范化表示，作为缓存键的一部分。
func (o Options) canonical() string {
	parts := []string{
		"forms=" + strconv.FormatBool(o.IncludeForms),
		"images=" + strconv.FormatBool(o.IncludeImages),
		"links=" + strconv.FormatBool(o.IncludeLinks),
		"max=" + strconv.Itoa(o.MaxContentLength),
		"tables=" + strconv.FormatBool(o.IncludeTables),
	}
	return strings.Join(parts, ";")
}

// CacheKey 根据地址与抓取选项计算缓存键。
func CacheKey(rawURL string, opts Options) string {
	sum := sha256.Sum256([]byte(rawURL + "\n" + opts.canonical()))
	return hex.EncodeToString(sum[:])
}

// Metadata 是页面的元信息。
type Metadata struct {
	Description string     `json:"description,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	LastFetched time.Time  `json:"last_fetched"`
}

// Link 是页面中的超链接。
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Image 是页面中的图片。
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt,omitempty"`
}

// Table 是按行展开的表格单元格文本。
type Table struct {
	Rows [][]string `json:"rows"`
}

// Form 是页面中的表单概要。
type Form struct {
	Action string   `json:"action,omitempty"`
	Method string   `json:"method,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Extracted 是页面中提取出的结构化数据。
type Extracted struct {
	Links  []Link  `json:"links,omitempty"`
	Images []Image `json:"images,omitempty"`
	Tables []Table `json:"tables,omitempty"`
	Forms  []Form  `json:"forms,omitempty"`
}

// Result 是一次成功抓取的结果。
type Result struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Metadata    Metadata  `json:"metadata"`
	Extracted   Extracted `json:"extracted"`
	WordCount   int       `json:"word_count"`
	ReadingTime int       `json:"reading_time_minutes"`
}

// clone 返回不与 r 共享切片和指针的副本，缓存条目与调用方之间互不影响。
func (r *Result) clone() *Result {
	out := *r
	out.Metadata.Keywords = slices.Clone(r.Metadata.Keywords)
	if r.Metadata.PublishedAt != nil {
		published := *r.Metadata.PublishedAt
		out.Metadata.PublishedAt = &published
	}
	out.Extracted.Links = slices.Clone(r.Extracted.Links)
	out.Extracted.Images = slices.Clone(r.Extracted.Images)
	if r.Extracted.Tables != nil {
		out.Extracted.Tables = make([]Table, len(r.Extracted.Tables))
		for i, t := range r.Extracted.Tables {
			rows := make([][]string, len(t.Rows))
			for j, row := range t.Rows {
				rows[j] = slices.Clone(row)
			}
			out.Extracted.Tables[i] = Table{Rows: rows}
		}
	}
	if r.Extracted.Forms != nil {
		out.Extracted.Forms = make([]Form, len(r.Extracted.Forms))
		for i, f := range r.Extracted.Forms {
			f.Fields = slices.Clone(f.Fields)
			out.Extracted.Forms[i] = f
		}
	}
	return &out
}

// finalize 补齐标题与统计字段，并按选项截断正文。
func (r *Result) finalize(rawURL string, opts Options) {
	if r.URL == "" {
		r.URL = rawURL
	}
	if strings.TrimSpace(r.Title) == "" {
		r.Title = rawURL
	}
	r.Content = strings.TrimSpace(r.Content)
	if opts.MaxContentLength > 0 {
		if runes := []rune(r.Content); len(runes) > opts.MaxContentLength {
			r.Content = string(runes[:opts.MaxContentLength])
		}
	}
	if r.WordCount == 0 {
		r.WordCount = len(strings.Fields(r.Content))
	}
	if r.ReadingTime == 0 {
		r.ReadingTime = readingTime(r.WordCount)
	}
}

func readingTime(words int) int {
	if words <= 0 {
		return 0
	}
	return (words + WordsPerMinute - 1) / WordsPerMinute
}
