package tui

// Supported locales: "en" (default) and "zh".

var currentLocale = "en"

// SetLocale changes the active locale.
func SetLocale(locale string) {
	if _, ok := locales[locale]; ok {
		currentLocale = locale
	}
}

// CurrentLocale returns the active locale code.
func CurrentLocale() string {
	return currentLocale
}

// ToggleLocale switches between en and zh.
func ToggleLocale() {
	if currentLocale == "zh" {
		currentLocale = "en"
	} else {
		currentLocale = "zh"
	}
}

// T returns the translated string for the given key.
func T(key string) string {
	if m, ok := locales[currentLocale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := locales["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}

var locales = map[string]map[string]string{
	"en": enStrings,
	"zh": zhStrings,
}

var enStrings = map[string]string{
	"setup_title":        "🐈 Connect an OnlyCat account",
	"setup_subtitle":     "Paste the device token from the OnlyCat app (Account → Device Token).",
	"field_access_token": "Access token",
	"validating":         "Validating token with OnlyCat...",
	"setup_help":         "Enter: submit • Ctrl+L: language • Esc/Ctrl+C: cancel",
	"token_required":     "Please enter an access token",

	"error_auth":       "Invalid access token. Check the token and try again.",
	"error_connection": "Could not connect to OnlyCat. Check your network and try again.",
	"error_unknown":    "Unexpected error. See the log for details.",

	"abort_already_configured":  "This OnlyCat account is already configured.",
	"abort_already_in_progress": "Another setup for this OnlyCat account is in progress.",
	"aborted":                   "Setup cancelled.",

	"entry_created": "✓ Connected OnlyCat account %s",
	"entry_saved":   "Saved as entry %s",
	"recent_logs":   "Recent log",
}

var zhStrings = map[string]string{
	"setup_title":        "🐈 连接 OnlyCat 账户",
	"setup_subtitle":     "粘贴 OnlyCat 应用中的设备令牌（账户 → 设备令牌）。",
	"field_access_token": "访问令牌",
	"validating":         "正在向 OnlyCat 验证令牌...",
	"setup_help":         "Enter: 提交 • Ctrl+L: 语言 • Esc/Ctrl+C: 取消",
	"token_required":     "请输入访问令牌",

	"error_auth":       "访问令牌无效，请检查后重试。",
	"error_connection": "无法连接到 OnlyCat，请检查网络后重试。",
	"error_unknown":    "发生未知错误，详情请查看日志。",

	"abort_already_configured":  "该 OnlyCat 账户已配置。",
	"abort_already_in_progress": "该 OnlyCat 账户的另一个设置流程正在进行。",
	"aborted":                   "已取消设置。",

	"entry_created": "✓ 已连接 OnlyCat 账户 %s",
	"entry_saved":   "已保存为条目 %s",
	"recent_logs":   "最近日志",
}
