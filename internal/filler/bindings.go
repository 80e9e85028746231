package filler

import (
	"fmt"
	"strings"
	"unicode"
)

// 模板中约定的占位符 KEY
const (
	KeyPackageNameDots        = "appPackageName_withDots"
	KeyPackageNameUnderscores = "appPackageName_withUnderscores"
	KeyKnownCertHash          = "knownCertHash"
	KeyHelperPackage          = "appPackageName"
	KeyHelperJNIPrefix        = "helperClass_jniPrefix"
)

// NativeBindings native 源码模板的绑定
// helperClass 为 helper 类的路径形式，如 com/example/app/DroidGrity
func NativeBindings(packageName, formattedCertHash, helperClass string) Bindings {
	return Bindings{
		KeyPackageNameDots:        packageName,
		KeyPackageNameUnderscores: strings.ReplaceAll(packageName, ".", "_"),
		KeyKnownCertHash:          formattedCertHash,
		KeyHelperJNIPrefix:        "Java_" + MangleJNI(helperClass),
	}
}

// SmaliBindings helper smali 模板的绑定，helperPackage 为路径形式
func SmaliBindings(helperPackage string) Bindings {
	return Bindings{
		KeyHelperPackage: helperPackage,
	}
}

// MangleJNI 按 JNI 规范转义类名（路径形式）
func MangleJNI(className string) string {
	var b strings.Builder
	for _, r := range className {
		switch {
		case r == '/':
			b.WriteByte('_')
		case r == '_':
			b.WriteString("_1")
		case r == ';':
			b.WriteString("_2")
		case r == '[':
			b.WriteString("_3")
		case r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("_0%04x", r))
		}
	}
	return b.String()
}
