package service

import (
	"regexp"
	"strings"
)

// RegionUnknown 名称中没有可识别的地区后缀
const RegionUnknown = ""

var regionSuffix = regexp.MustCompile(`^(.*?)\s*\(([A-Za-z]{2,4})\)\s*$`)

// ParseRegion 拆分 "Example (IRE)" 形式的名称，返回去掉后缀的名称与大写地区码；
// 没有后缀时返回原名（去首尾空白）与 RegionUnknown。纯函数，只用作元数据。
func ParseRegion(name string) (base, region string) {
	m := regionSuffix.FindStringSubmatch(name)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return strings.TrimSpace(name), RegionUnknown
	}
	return strings.TrimSpace(m[1]), strings.ToUpper(m[2])
}
