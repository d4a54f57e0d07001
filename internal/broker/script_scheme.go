package broker

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// runScriptScheme evaluates a broker's user-supplied CEL expression in a
// sandbox exposing exactly the variables the scheme contract promises:
// idIn, idType, prefix, brokerName, mappingCount. CEL has no side-effecting
// builtins and no host access, satisfying "evaluated in a sandbox."
func runScriptScheme(exprSrc, idIn, idType, prefix, brokerName string, mappingCount int) (string, error) {
	env, err := cel.NewEnv(
		cel.Variable("idIn", cel.StringType),
		cel.Variable("idType", cel.StringType),
		cel.Variable("prefix", cel.StringType),
		cel.Variable("brokerName", cel.StringType),
		cel.Variable("mappingCount", cel.IntType),
	)
	if err != nil {
		return "", fmt.Errorf("building sandbox environment: %w", err)
	}

	ast, iss := env.Compile(exprSrc)
	if iss != nil && iss.Err() != nil {
		return "", fmt.Errorf("compiling script scheme expression: %w", iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return "", fmt.Errorf("preparing script scheme program: %w", err)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"idIn":         idIn,
		"idType":       idType,
		"prefix":       prefix,
		"brokerName":   brokerName,
		"mappingCount": int64(mappingCount),
	})
	if err != nil {
		return "", fmt.Errorf("evaluating script scheme expression: %w", err)
	}

	result, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("script scheme expression did not return a string")
	}
	return result, nil
}
