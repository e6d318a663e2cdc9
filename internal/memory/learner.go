package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ProfileCandidate is a possible value for a profile field.
type ProfileCandidate struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PreferenceCandidate is a stated preference.
type PreferenceCandidate struct {
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// EventMention is a dated event found in text.
type EventMention struct {
	Title string `json:"title"`
	Date  string `json:"date"`
	Kind  string `json:"type"`
}

// Extraction is everything an Extractor found in one message. Profile
// candidates are ordered by preference within each field.
type Extraction struct {
	Profile     []ProfileCandidate
	Preferences []PreferenceCandidate
	Events      []EventMention
	Notes       []string
}

// Extractor pulls structured facts out of a user message.
type Extractor interface {
	Extract(content string, now time.Time) Extraction
}

// RegexExtractor is the pattern-based Extractor for Chinese chat text.
type RegexExtractor struct {
	fields      []fieldRules
	preferences []preferenceRules
	events      []eventRule
	keywords    []string
}

type fieldRule struct {
	re         *regexp.Regexp
	confidence float64
}

type fieldRules struct {
	field string
	rules []fieldRule
}

type preferenceRule struct {
	re         *regexp.Regexp
	value      func(m []string) string
	confidence float64
}

type preferenceRules struct {
	category string
	rules    []preferenceRule
}

type eventRule struct {
	re   *regexp.Regexp
	kind string
}

// token matches a run of characters up to whitespace or punctuation.
const token = `([^\s，。！？,]+)`

func fr(pattern string, confidence float64) fieldRule {
	return fieldRule{re: regexp.MustCompile(pattern), confidence: confidence}
}

func pr(pattern string, value func([]string) string, confidence float64) preferenceRule {
	return preferenceRule{re: regexp.MustCompile(pattern), value: value, confidence: confidence}
}

func group(i int) func([]string) string {
	return func(m []string) string { return m[i] }
}

func brevity(m []string) string {
	if m[1] == "详细" || m[1] == "具体" {
		return "详细回复"
	}
	return "简洁回复"
}

// NewRegexExtractor builds the default rule set.
func NewRegexExtractor() *RegexExtractor {
	email := `([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`
	mobile := `(1[3-9]\d{9})`
	return &RegexExtractor{
		fields: []fieldRules{
			{"name", []fieldRule{
				fr(`我叫`+token, 0.9),
				fr(`我是`+token, 0.7),
				fr(`我的名字(?:叫|是)`+token, 0.9),
				fr(`你可以叫我`+token, 0.9),
			}},
			{"nickname", []fieldRule{
				fr(`我的昵称(?:叫|是)`+token, 0.9),
				fr(`大家叫我`+token, 0.8),
			}},
			{"location", []fieldRule{
				fr(`我在`+token, 0.8),
				fr(`我住在`+token, 0.9),
				fr(`我的位置(?:是|在)`+token, 0.9),
			}},
			{"city", []fieldRule{
				fr(`我在([^\s，。！？,]+?)市`, 0.9),
				fr(`我住在([^\s，。！？,]+?)市`, 0.9),
				fr(`我的城市(?:是|在)`+token, 0.9),
			}},
			{"birthday", []fieldRule{
				fr(`我的生日(?:是|在)(\d{1,2})月(\d{1,2})[日号]?`, 0.9),
				fr(`我(\d{1,2})月(\d{1,2})[日号]?出生`, 0.9),
				fr(`我的生日(?:是|在)(\d{4})年(\d{1,2})月(\d{1,2})[日号]?`, 0.9),
			}},
			{"email", []fieldRule{
				fr(`我的邮箱(?:是|:)?\s*`+email, 0.95),
				fr(`发到`+email, 0.7),
			}},
			{"phone", []fieldRule{
				fr(`我的电话(?:是|:)?\s*`+mobile, 0.9),
				fr(`我的手机(?:是|:)?\s*`+mobile, 0.9),
			}},
			{"occupation", []fieldRule{
				fr(`我是([^\s，。！？,]+(?:工程师|设计师|经理|老师|医生|学生))`, 0.8),
				fr(`我是一名`+token, 0.7),
				fr(`我的职业(?:是|:)`+token, 0.9),
			}},
			{"company", []fieldRule{
				fr(`我在([^\s，。！？,]+?)工作`, 0.8),
				fr(`我的公司(?:是|:)`+token, 0.9),
			}},
		},
		preferences: []preferenceRules{
			{"communication_style", []preferenceRule{
				pr(`我喜欢(简洁|详细|简短)的回复`, brevity, 0.8),
				pr(`请(简洁|简短)一点`, brevity, 0.9),
				pr(`请(详细|具体)一点`, brevity, 0.9),
			}},
			{"language", []preferenceRule{
				pr(`请用(中文|英文|粤语)回复`, group(1), 0.9),
				pr(`我喜欢用(中文|英文|粤语)交流`, group(1), 0.8),
			}},
			{"time_format", []preferenceRule{
				pr(`我喜欢(24小时|12小时)制`, group(1), 0.8),
			}},
			{"general", []preferenceRule{
				pr(`我喜欢`+token, group(1), 0.6),
				pr(`我偏好`+token, group(1), 0.7),
				pr(`我比较喜欢`+token, group(1), 0.7),
				pr(`我不喜欢`+token, func(m []string) string { return "不喜欢" + m[1] }, 0.7),
			}},
		},
		events: []eventRule{
			{regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]?我有` + token), "date_event"},
			{regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})[日号]?是` + token), "date_event"},
			{regexp.MustCompile(`下周([一二三四五六日天])(?:有|是|要)` + token), "weekday_event"},
			{regexp.MustCompile(`明天(?:有|是|要)` + token), "tomorrow_event"},
			{regexp.MustCompile(`后天(?:有|是|要)` + token), "day_after_event"},
		},
		keywords: []string{
			"生日", "结婚", "纪念日", "会议", "面试", "考试",
			"航班", "火车", "预约", "截止", "重要",
		},
	}
}

var sentenceSplit = regexp.MustCompile(`[。！？\n]`)

// Extract runs every rule over content.
func (x *RegexExtractor) Extract(content string, now time.Time) Extraction {
	var out Extraction

	for _, f := range x.fields {
		for _, r := range f.rules {
			m := r.re.FindStringSubmatch(content)
			if m == nil {
				continue
			}
			if v := fieldValue(f.field, m, now); v != "" {
				out.Profile = append(out.Profile, ProfileCandidate{Field: f.field, Value: v, Confidence: r.confidence})
			}
		}
	}

	for _, p := range x.preferences {
		for _, r := range p.rules {
			if m := r.re.FindStringSubmatch(content); m != nil {
				if v := r.value(m); v != "" {
					out.Preferences = append(out.Preferences, PreferenceCandidate{Category: p.category, Value: v, Confidence: r.confidence})
					break
				}
			}
		}
	}

	for _, r := range x.events {
		m := r.re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		if ev, ok := eventFrom(r.kind, m, now); ok {
			out.Events = append(out.Events, ev)
		}
	}

	seen := make(map[string]bool)
	for _, kw := range x.keywords {
		if !strings.Contains(content, kw) {
			continue
		}
		for _, s := range sentenceSplit.Split(content, -1) {
			if strings.Contains(s, kw) && utf8.RuneCountInString(s) > 5 {
				s = strings.TrimSpace(s)
				if !seen[s] {
					seen[s] = true
					out.Notes = append(out.Notes, s)
				}
				break
			}
		}
	}
	return out
}

func fieldValue(field string, m []string, now time.Time) string {
	if field != "birthday" {
		return strings.TrimSpace(m[1])
	}
	switch len(m) {
	case 3:
		return ymd(strconv.Itoa(now.Year()), m[1], m[2])
	case 4:
		return ymd(m[1], m[2], m[3])
	}
	return ""
}

func ymd(y, mo, d string) string {
	month, _ := strconv.Atoi(mo)
	day, _ := strconv.Atoi(d)
	return fmt.Sprintf("%s-%02d-%02d", y, month, day)
}

var weekdays = map[string]int{"一": 1, "二": 2, "三": 3, "四": 4, "五": 5, "六": 6, "日": 7, "天": 7}

func eventFrom(kind string, m []string, now time.Time) (EventMention, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch kind {
	case "date_event":
		if len(m) == 4 {
			return EventMention{Title: m[3], Date: ymd(strconv.Itoa(now.Year()), m[1], m[2]), Kind: kind}, true
		}
		return EventMention{Title: m[4], Date: ymd(m[1], m[2], m[3]), Kind: kind}, true
	case "weekday_event":
		iso := int(today.Weekday())
		if iso == 0 {
			iso = 7
		}
		nextMonday := today.AddDate(0, 0, 8-iso)
		d := nextMonday.AddDate(0, 0, weekdays[m[1]]-1)
		return EventMention{Title: m[2], Date: d.Format(dateLayout), Kind: kind}, true
	case "tomorrow_event":
		return EventMention{Title: m[1], Date: today.AddDate(0, 0, 1).Format(dateLayout), Kind: kind}, true
	case "day_after_event":
		return EventMention{Title: m[1], Date: today.AddDate(0, 0, 2).Format(dateLayout), Kind: kind}, true
	}
	return EventMention{}, false
}

// LearnResult reports what one message taught.
type LearnResult struct {
	Learned     bool                  `json:"learned"`
	Reason      string                `json:"reason,omitempty"`
	Profile     []ProfileCandidate    `json:"profile_updates"`
	Preferences []PreferenceCandidate `json:"preference_updates"`
	Events      []EventMention        `json:"events_detected"`
	Notes       []string              `json:"notes_added"`
}

// ConversationResult aggregates learning over many messages.
type ConversationResult struct {
	Messages int `json:"total_learned"`
	LearnResult
}

// Learner applies extracted facts to unified memory. A profile field that
// already holds a different value is never overwritten.
type Learner struct {
	mem       *Unified
	extractor Extractor
	now       func() time.Time
	logger    *zap.Logger
}

// NewLearner wires an extractor to memory. A nil extractor means the
// default regex rules.
func NewLearner(mem *Unified, ex Extractor, logger *zap.Logger) *Learner {
	if ex == nil {
		ex = NewRegexExtractor()
	}
	return &Learner{mem: mem, extractor: ex, now: time.Now, logger: logger}
}

// LearnFromMessage learns only from user-authored messages.
func (l *Learner) LearnFromMessage(role, content string) LearnResult {
	if role != RoleUser {
		return LearnResult{Reason: "只从用户消息学习"}
	}
	now := l.now()
	ex := l.extractor.Extract(content, now)
	var res LearnResult

	done := make(map[string]bool)
	for _, c := range ex.Profile {
		if done[c.Field] {
			continue
		}
		set, err := l.mem.SetProfileFieldIfEmpty(c.Field, c.Value)
		if err != nil {
			l.logger.Warn("learned profile field rejected", zap.String("field", c.Field), zap.Error(err))
			continue
		}
		if !set {
			continue
		}
		done[c.Field] = true
		res.Profile = append(res.Profile, c)
	}

	for _, p := range ex.Preferences {
		l.mem.SetPreference(Preference{Category: "preference", Key: p.Category, Value: p.Value, Confidence: p.Confidence})
		res.Preferences = append(res.Preferences, p)
	}

	for _, ev := range ex.Events {
		if _, err := l.mem.AddEvent(Event{Title: ev.Title, Date: ev.Date, Type: "user_mentioned"}); err != nil {
			l.logger.Debug("skip unparseable event", zap.String("date", ev.Date), zap.Error(err))
			continue
		}
		res.Events = append(res.Events, ev)
	}

	for _, n := range ex.Notes {
		l.mem.AddNote(Note{Content: n, Category: "important", Priority: 7, Source: "auto_extracted"})
		res.Notes = append(res.Notes, n)
	}

	res.Learned = len(res.Profile)+len(res.Preferences)+len(res.Events)+len(res.Notes) > 0
	if res.Learned {
		l.logger.Info("learned from message",
			zap.Int("profile", len(res.Profile)),
			zap.Int("preferences", len(res.Preferences)),
			zap.Int("events", len(res.Events)),
			zap.Int("notes", len(res.Notes)))
	}
	return res
}

// LearnFromConversation learns from every user message in order.
func (l *Learner) LearnFromConversation(messages []Message) ConversationResult {
	var out ConversationResult
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		r := l.LearnFromMessage(m.Role, m.Content)
		if !r.Learned {
			continue
		}
		out.Messages++
		out.Profile = append(out.Profile, r.Profile...)
		out.Preferences = append(out.Preferences, r.Preferences...)
		out.Events = append(out.Events, r.Events...)
		out.Notes = append(out.Notes, r.Notes...)
	}
	out.Learned = out.Messages > 0
	return out
}

var actionKeywords = []string{"发邮件", "查天气", "定闹钟", "提醒", "搜索", "播放", "下载", "保存"}

// Summarize describes a conversation by the actions the user asked for.
func Summarize(messages []Message) string {
	var users []string
	for _, m := range messages {
		if m.Role == RoleUser {
			users = append(users, m.Content)
		}
	}
	if len(users) == 0 {
		return ""
	}
	var topics []string
	for _, msg := range users {
		for _, kw := range actionKeywords {
			if strings.Contains(msg, kw) {
				topics = append(topics, "用户请求"+kw)
				break
			}
		}
	}
	if len(topics) == 0 {
		return fmt.Sprintf("对话包含 %d 条用户消息", len(users))
	}
	topics = head(topics, 5)
	seen := make(map[string]bool)
	uniq := topics[:0]
	for _, t := range topics {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}
	return "对话涉及: " + strings.Join(uniq, ", ")
}
