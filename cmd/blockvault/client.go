package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
)

func apiURL(path string) *url.URL {
	u, err := url.Parse(apiAddr)
	if err != nil {
		log.Fatal(err)
	}
	u.Path = path
	return u
}

func readAndCheck(resp *http.Response) ([]byte, error) {
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		var e any
		if json.Unmarshal(b, &e) == nil {
			pretty, _ := json.MarshalIndent(e, "", "  ")
			return nil, fmt.Errorf("server error %d:\n%s", resp.StatusCode, string(pretty))
		}
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func add(inPath, alias string) {
	if inPath == "" {
		log.Fatal("-in is required")
	}
	if !filepath.IsAbs(inPath) {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatal(err)
		}
		inPath = filepath.Clean(filepath.Join(cwd, inPath))
	}

	u := apiURL("/add")
	q := u.Query()
	q.Set("in", inPath)
	if alias != "" {
		q.Set("alias", alias)
	}
	u.RawQuery = q.Encode()

	resp, err := http.Post(u.String(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	printCID(resp)
}

func cat(cid, out string) {
	if cid == "" {
		log.Fatal("-cid is required")
	}
	u := apiURL("/cat/" + cid)

	resp, err := http.Get(u.String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		log.Fatalf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out != "" {
		outPath := out
		if !filepath.IsAbs(outPath) {
			cwd, err := os.Getwd()
			if err != nil {
				log.Fatal(err)
			}
			outPath = filepath.Clean(filepath.Join(cwd, outPath))
		}
		f, err := os.Create(outPath)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if _, err := io.Copy(f, resp.Body); err != nil {
			log.Fatal(err)
		}
		return
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		log.Fatal(err)
	}
}

func stat() {
	resp, err := http.Get(apiURL("/stat").String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		Count uint64 `json:"count"`
		Size  uint64 `json:"size"`
	}
	if json.Unmarshal(b, &m) == nil {
		fmt.Printf("blocks: %d\nbytes:  %d\n", m.Count, m.Size)
		return
	}
	fmt.Println(string(b))
}

func lsCids() {
	resp, err := http.Get(apiURL("/cids").String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var arr []string
	if json.Unmarshal(b, &arr) == nil {
		for _, c := range arr {
			fmt.Println(c)
		}
		return
	}
	fmt.Println(string(b))
}

func aliasSet(name, cid string) {
	u := apiURL("/alias")
	q := u.Query()
	q.Set("name", name)
	q.Set("cid", cid)
	u.RawQuery = q.Encode()

	resp, err := http.Post(u.String(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	printOk(resp)
}

func aliasRm(name string) {
	u := apiURL("/alias")
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	resp, err := http.Post(u.String(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	printOk(resp)
}

func aliasLs() {
	resp, err := http.Get(apiURL("/aliases").String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var arr []struct {
		Name string `json:"name"`
		CID  string `json:"cid"`
	}
	if json.Unmarshal(b, &arr) == nil {
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCID")
		for _, e := range arr {
			fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.CID)
		}
		_ = tw.Flush()
		return
	}
	fmt.Println(string(b))
}

func resolve(name string) {
	u := apiURL("/resolve")
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		Found bool   `json:"found"`
		CID   string `json:"cid"`
	}
	if json.Unmarshal(b, &m) == nil {
		if !m.Found {
			log.Fatal("alias not found")
		}
		fmt.Println(m.CID)
		return
	}
	fmt.Println(string(b))
}

func reverse(cid string) {
	u := apiURL("/reverse-alias")
	q := u.Query()
	q.Set("cid", cid)
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		Found   bool     `json:"found"`
		Aliases []string `json:"aliases"`
	}
	if json.Unmarshal(b, &m) == nil {
		if !m.Found {
			log.Fatal("block not found")
		}
		for _, a := range m.Aliases {
			fmt.Println(a)
		}
		return
	}
	fmt.Println(string(b))
}

func missing(cid string) {
	u := apiURL("/missing")
	q := u.Query()
	q.Set("cid", cid)
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var arr []string
	if json.Unmarshal(b, &arr) == nil {
		for _, c := range arr {
			fmt.Println(c)
		}
		return
	}
	fmt.Println(string(b))
}

func gc() {
	resp, err := http.Post(apiURL("/gc").String(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		Freed int64 `json:"freed"`
	}
	if json.Unmarshal(b, &m) == nil {
		fmt.Printf("freed %d blocks\n", m.Freed)
		return
	}
	fmt.Println(string(b))
}

func flush() {
	resp, err := http.Post(apiURL("/flush").String(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	printOk(resp)
}

func printOk(resp *http.Response) {
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		Ok bool `json:"ok"`
	}
	if json.Unmarshal(b, &m) == nil && m.Ok {
		fmt.Println("ok")
		return
	}
	fmt.Println(string(b))
}

func printCID(resp *http.Response) {
	b, err := readAndCheck(resp)
	if err != nil {
		log.Fatal(err)
	}
	var m struct {
		CID string `json:"cid"`
	}
	if json.Unmarshal(b, &m) == nil && m.CID != "" {
		fmt.Println(m.CID)
		return
	}
	fmt.Println(string(b))
}
