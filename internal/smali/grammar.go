package smali

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenKind smali 文本行的类别
type TokenKind int

const (
	TokenBlank TokenKind = iota
	TokenComment
	TokenMethodHeader // .method ...
	TokenRegisters    // .locals N / .registers N
	TokenReturnVoid   // return-void
	TokenReturnValue  // return / return-wide / return-object
	TokenMethodEnd    // .end method
	TokenLabel        // :cond_0
	TokenDirective    // 其它 . 开头的指令（.line, .param, .annotation ...）
	TokenInstruction
)

var tokenNames = map[TokenKind]string{
	TokenBlank:        "blank",
	TokenComment:      "comment",
	TokenMethodHeader: "method_header",
	TokenRegisters:    "registers",
	TokenReturnVoid:   "return_void",
	TokenReturnValue:  "return_value",
	TokenMethodEnd:    "method_end",
	TokenLabel:        "label",
	TokenDirective:    "directive",
	TokenInstruction:  "instruction",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

const (
	DirectiveLocals    = ".locals"
	DirectiveRegisters = ".registers"
)

// Token 一行 smali 的结构化结果
type Token struct {
	Kind    TokenKind
	Indent  string // 行首空白
	Keyword string // 首个词，如 .locals、return-void

	// TokenMethodHeader
	Modifiers []string
	Signature string // 名称 + 描述符，如 onCreate(Landroid/os/Bundle;)V

	// TokenRegisters
	Count int
}

// IsStatic 方法头是否带 static 修饰
func (t Token) IsStatic() bool {
	for _, m := range t.Modifiers {
		if m == "static" {
			return true
		}
	}
	return false
}

// Classify 识别单行 smali 的类别
func Classify(line string) Token {
	trimmed := strings.TrimSpace(line)
	tok := Token{Indent: leadingSpace(line)}

	if trimmed == "" {
		tok.Kind = TokenBlank
		return tok
	}
	if strings.HasPrefix(trimmed, "#") {
		tok.Kind = TokenComment
		return tok
	}

	fields := strings.Fields(stripComment(trimmed))
	if len(fields) == 0 {
		tok.Kind = TokenComment
		return tok
	}
	tok.Keyword = fields[0]

	switch {
	case tok.Keyword == ".method":
		if len(fields) < 2 {
			tok.Kind = TokenDirective
			return tok
		}
		tok.Kind = TokenMethodHeader
		tok.Signature = fields[len(fields)-1]
		tok.Modifiers = fields[1 : len(fields)-1]
	case tok.Keyword == ".end":
		if len(fields) >= 2 && fields[1] == "method" {
			tok.Kind = TokenMethodEnd
		} else {
			tok.Kind = TokenDirective
		}
	case tok.Keyword == DirectiveLocals || tok.Keyword == DirectiveRegisters:
		if len(fields) != 2 {
			tok.Kind = TokenDirective
			return tok
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			tok.Kind = TokenDirective
			return tok
		}
		tok.Kind = TokenRegisters
		tok.Count = n
	case tok.Keyword == "return-void":
		tok.Kind = TokenReturnVoid
	case tok.Keyword == "return" || tok.Keyword == "return-wide" || tok.Keyword == "return-object":
		tok.Kind = TokenReturnValue
	case strings.HasPrefix(tok.Keyword, ":"):
		tok.Kind = TokenLabel
	case strings.HasPrefix(tok.Keyword, "."):
		tok.Kind = TokenDirective
	default:
		tok.Kind = TokenInstruction
	}
	return tok
}

func leadingSpace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// stripComment 去掉行尾注释，字符串字面量内的 # 不算
func stripComment(s string) string {
	inString := false
	escaped := false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case r == '#' && !inString:
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

// MethodSignature 方法名 + 描述符
type MethodSignature struct {
	Name       string
	Descriptor string
}

// OnCreate Activity 生命周期 onCreate 的签名
var OnCreate = MethodSignature{Name: "onCreate", Descriptor: "(Landroid/os/Bundle;)V"}

// ParseSignature 解析 name(args)ret 形式的签名文本
func ParseSignature(s string) (MethodSignature, error) {
	i := strings.IndexByte(s, '(')
	if i <= 0 || !strings.Contains(s[i:], ")") {
		return MethodSignature{}, fmt.Errorf("invalid method signature: %q", s)
	}
	return MethodSignature{Name: s[:i], Descriptor: s[i:]}, nil
}

func (m MethodSignature) String() string {
	return m.Name + m.Descriptor
}

// ParamRegisters 参数占用的寄存器数量（非 static 方法包含 this）
func (m MethodSignature) ParamRegisters(static bool) (int, error) {
	d := m.Descriptor
	end := strings.IndexByte(d, ')')
	if !strings.HasPrefix(d, "(") || end < 0 {
		return 0, fmt.Errorf("invalid descriptor: %q", d)
	}

	n := 0
	if !static {
		n = 1
	}
	args := d[1:end]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case 'J', 'D':
			n += 2
		case 'Z', 'B', 'S', 'C', 'I', 'F':
			n++
		case 'L':
			semi := strings.IndexByte(args[i:], ';')
			if semi < 0 {
				return 0, fmt.Errorf("unterminated class type in descriptor: %q", d)
			}
			i += semi
			n++
		case '[':
			for i < len(args) && args[i] == '[' {
				i++
			}
			if i >= len(args) {
				return 0, fmt.Errorf("dangling array type in descriptor: %q", d)
			}
			if args[i] == 'L' {
				semi := strings.IndexByte(args[i:], ';')
				if semi < 0 {
					return 0, fmt.Errorf("unterminated class type in descriptor: %q", d)
				}
				i += semi
			}
			n++
		default:
			return 0, fmt.Errorf("unknown type %q in descriptor: %q", args[i], d)
		}
	}
	return n, nil
}

// ClassRef 路径形式的类名，如 com/example/app/DroidGrity
type ClassRef string

// ClassFromDotted 点分类名转为路径形式
func ClassFromDotted(name string) ClassRef {
	return ClassRef(strings.ReplaceAll(name, ".", "/"))
}

// Descriptor 类型描述符，如 Lcom/example/app/DroidGrity;
func (c ClassRef) Descriptor() string {
	return "L" + string(c) + ";"
}

// Package 包路径，如 com/example/app；默认包返回空串
func (c ClassRef) Package() string {
	i := strings.LastIndexByte(string(c), '/')
	if i < 0 {
		return ""
	}
	return string(c[:i])
}

// SimpleName 不含包名的类名
func (c ClassRef) SimpleName() string {
	return string(c[strings.LastIndexByte(string(c), '/')+1:])
}

// File smali 根目录下的相对文件路径（正斜杠）
func (c ClassRef) File() string {
	return string(c) + ".smali"
}

// Sibling 同包下的另一个类
func (c ClassRef) Sibling(simpleName string) ClassRef {
	if pkg := c.Package(); pkg != "" {
		return ClassRef(pkg + "/" + simpleName)
	}
	return ClassRef(simpleName)
}
