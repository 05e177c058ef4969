package util

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/tendermint/tendermint/libs/log"
)

// LogError : Log error if it exists
func LogError(err error) error {
	if err != nil {
		fmt.Println(err)
	}
	return err
}

// LoggerError : Log error if it exists using a logger
func LoggerError(logger log.Logger, err error) error {
	if err != nil {
		logger.Error(fmt.Sprintf("Error in %s: %s", GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// GetCurrentFuncName : get name of function being called
func GetCurrentFuncName(numCallStack int) string {
	pc, _, _, _ := runtime.Caller(numCallStack)
	return fmt.Sprintf("%s", runtime.FuncForPC(pc).Name())
}

// GetEnv : return environment variable or default
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

// BftMajority : minimum number of validators that constitutes a byzantine
// majority of n, floor(2n/3)+1
func BftMajority(n int) int {
	return 2*n/3 + 1
}

// ReverseTxHex : bitcoin prints tx ids byte-reversed; flip between the two forms
func ReverseTxHex(str string) string {
	var sb strings.Builder
	for i := len(str); i > 1; i -= 2 {
		sb.WriteString(str[i-2 : i])
	}
	return sb.String()
}

// ArrayContains : whether an array contains a particular string
func ArrayContains(arr []string, item string) bool {
	for _, v := range arr {
		if v == item {
			return true
		}
	}
	return false
}
