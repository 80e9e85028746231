package smali

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RequiredLocals 注入序列需要的本地寄存器数量（只用 v0）
const RequiredLocals = 1

// HelperCheckMethod helper 单例上的检查方法
const HelperCheckMethod = "isApkTampered()Z"

// ReturnPolicy 目标方法中哪些 return-void 需要注入
type ReturnPolicy int

const (
	ReturnPolicyFirst ReturnPolicy = iota // 只注入第一个
	ReturnPolicyAll                       // 注入每一个
)

// ParseReturnPolicy 解析配置中的策略名
func ParseReturnPolicy(s string) (ReturnPolicy, error) {
	switch strings.ToLower(s) {
	case "", "first":
		return ReturnPolicyFirst, nil
	case "all":
		return ReturnPolicyAll, nil
	default:
		return ReturnPolicyFirst, fmt.Errorf("unknown return policy: %q", s)
	}
}

// Result 一次补丁的结果
type Result struct {
	Found            bool // 找到目标方法头
	Injected         int  // 注入序列的次数
	RegistersRaised  bool // 寄存器声明被调高
	RegistersMissing bool // 目标方法没有合法的寄存器声明，放弃注入
	ReturnsSkipped   int  // 目标方法中未注入的 return-void
}

// Changed 输出是否与输入不同
func (r Result) Changed() bool {
	return r.Injected > 0 || r.RegistersRaised
}

type patchState int

const (
	stateOutside patchState = iota
	stateInMethod
	stateDone // 仍在目标方法内，但不再注入
)

// Patcher 在目标方法的 return-void 前插入 helper 检查调用
type Patcher struct {
	Target MethodSignature
	Helper ClassRef
	Policy ReturnPolicy
}

// NewPatcher 创建 onCreate 补丁器
func NewPatcher(helper ClassRef) *Patcher {
	return &Patcher{Target: OnCreate, Helper: helper, Policy: ReturnPolicyFirst}
}

// InjectedSequence 注入到 return-void 之前的指令
func (p *Patcher) InjectedSequence(indent string) []string {
	desc := p.Helper.Descriptor()
	return []string{
		indent + "sget-object v0, " + desc + "->INSTANCE:" + desc,
		"",
		indent + "invoke-virtual {v0}, " + desc + "->" + HelperCheckMethod,
		"",
		indent + "move-result v0",
		"",
	}
}

// Patch 单遍扫描，输入不变，返回新的行序列
func (p *Patcher) Patch(lines []string) ([]string, Result) {
	var res Result
	out := make([]string, 0, len(lines)+8)
	state := stateOutside
	registersSeen := false
	static := false
	target := p.Target.String()

	for _, line := range lines {
		tok := Classify(line)
		eol := ""
		if strings.HasSuffix(line, "\r") {
			eol = "\r"
		}

		switch state {
		case stateOutside:
			if tok.Kind == TokenMethodHeader && tok.Signature == target {
				state = stateInMethod
				res.Found = true
				registersSeen = false
				static = tok.IsStatic()
			}
			out = append(out, line)

		case stateInMethod:
			switch tok.Kind {
			case TokenRegisters:
				registersSeen = true
				if raised, ok := p.raiseRegisters(tok, static); ok {
					out = append(out, raised+eol)
					res.RegistersRaised = true
					continue
				}
				out = append(out, line)
			case TokenReturnVoid:
				if !registersSeen {
					res.RegistersMissing = true
					res.ReturnsSkipped++
					state = stateDone
					out = append(out, line)
					continue
				}
				for _, inj := range p.InjectedSequence(tok.Indent) {
					out = append(out, inj+eol)
				}
				out = append(out, line)
				res.Injected++
				if p.Policy == ReturnPolicyFirst {
					state = stateDone
				}
			case TokenMethodEnd:
				state = stateOutside
				out = append(out, line)
			default:
				out = append(out, line)
			}

		case stateDone:
			switch tok.Kind {
			case TokenReturnVoid:
				res.ReturnsSkipped++
			case TokenMethodEnd:
				state = stateOutside
			}
			out = append(out, line)
		}
	}

	return out, res
}

// raiseRegisters 寄存器不足时返回调高后的声明行；从不调低
func (p *Patcher) raiseRegisters(tok Token, static bool) (string, bool) {
	required := RequiredLocals
	if tok.Keyword == DirectiveRegisters {
		params, err := p.Target.ParamRegisters(static)
		if err != nil {
			return "", false
		}
		required += params
	}
	if tok.Count >= required {
		return "", false
	}
	return tok.Indent + tok.Keyword + " " + strconv.Itoa(required), true
}

// PatchFile 原地补丁 smali 文件，不保留备份；内容无变化时不写回
func (p *Patcher) PatchFile(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat smali file: %w", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read smali file: %w", err)
	}

	out, res := p.Patch(strings.Split(string(content), "\n"))
	if !res.Changed() {
		return &res, nil
	}

	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write smali file: %w", err)
	}
	return &res, nil
}
