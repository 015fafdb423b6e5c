// Command filedropctl is a small client for a filedrop server:
//
//	filedropctl -server http://localhost:8080 -token TOKEN upload ./photo.png
//	filedropctl -server http://localhost:8080 delete aB3xK9q DELETEKEY
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "filedrop server base URL")
	token := flag.String("token", os.Getenv("FILEDROP_TOKEN"), "bearer token for uploads")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "upload":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = upload(*server, *token, args[1])
	case "delete":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		err = remove(*server, args[1], args[2])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: filedropctl [-server URL] [-token TOKEN] upload <file>")
	fmt.Fprintln(os.Stderr, "       filedropctl [-server URL] delete <id> <deleteKey>")
}

func upload(server, token, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequest(http.MethodPost, server+"/upload", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func remove(server, id, deleteKey string) error {
	resp, err := http.Get(fmt.Sprintf("%s/delete/%s/%s", server, id, deleteKey))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Pretty-print JSON when possible, raw otherwise
	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
